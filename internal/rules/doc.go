// Package rules validates a monthly campaign calendar against business rules.
//
// A calendar is checked for campaign volume, send caps per day and ISO week,
// spacing between sends to the same segment, revenue coverage of the month's
// goal and how concentrated expected revenue is. Each failed check yields a
// Violation with a severity; a Report passes when it holds no error-level
// violations. Warnings are surfaced to reviewers but never block publishing.
//
// Thresholds live in Rules and can be loaded from YAML. A Watcher keeps a
// rules file hot-reloaded so planners can tune caps without a restart.
package rules
