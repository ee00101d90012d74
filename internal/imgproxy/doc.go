// Package imgproxy fetches remote images for the dashboard so browsers never
// talk to third-party hosts directly. Fetches are restricted to http and https,
// an optional host allow-list, a size cap and image content types. Results are
// cached and concurrent requests for the same URL share one upstream fetch.
package imgproxy
