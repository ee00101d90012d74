// Package planner turns a Brief into campaign drafts for one monthly calendar.
//
// Two generators implement Generator:
//
//   - TemplateGenerator lays campaigns onto preferred weekdays, rotates
//     segments and campaign types, and scales expected revenue to the goal.
//     It is deterministic and needs no network access.
//   - GeminiGenerator prompts a Gemini model (google.golang.org/genai) for a
//     JSON array of drafts. When the request fails or the answer cannot be
//     used it falls back to TemplateGenerator.
//
// Validation feedback from a previous attempt travels in Brief.Violations and
// reviewer notes in Brief.Notes.
package planner
