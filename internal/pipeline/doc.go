// Package pipeline runs the calendar planning graph.
//
// A run moves through named steps:
//
//	ingest -> generate -> validate -> review -> publish -> done
//
// validate loops back to generate while attempts remain and fails the run
// otherwise. review pauses the run until Approve (continue to publish) or
// Reject (back to generate with the reviewer's notes).
//
// After every step the Engine appends a checkpoint holding the JSON-encoded
// State, whose Next field names the step to execute on Resume. A run that
// stopped on a step error keeps Next at that step and can be resumed; a run
// that ran out of attempts cannot.
//
// Collaborators are optional: HistorySource (baseline revenue), ReviewNotifier
// (review tasks) and Publisher (remote campaign creation). Each step runs in
// an OpenTelemetry span.
package pipeline
