// Package render turns a calendar and its validation report into
// human-readable summaries: GFM Markdown for exports, a standalone HTML page
// converted with goldmark, and the rich text subset Asana accepts in task notes.
package render
