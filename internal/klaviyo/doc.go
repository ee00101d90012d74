// Package klaviyo is a small client for the Klaviyo REST API.
//
// Requests carry the Klaviyo-API-Key authorization header and the API
// revision header and pass through a token-bucket limiter. Reads are retried
// with backoff on 429 and 5xx responses; campaign creation is retried on 429
// only. Non-2xx responses surface as *APIError.
//
// Client satisfies pipeline.Publisher (campaign creation) and
// pipeline.HistorySource (campaign values reports).
package klaviyo
