// Package asana opens review tasks in Asana when a planned calendar is ready
// for a human to look at. Client satisfies pipeline.ReviewNotifier.
package asana
