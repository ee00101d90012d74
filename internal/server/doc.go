// Package server assembles the emailpilot service.
//
// # Overview
//
// New builds every component from config: the SQLite store, the rules
// provider (a file watcher when planning.rules_file is set), the calendar
// generator, the Klaviyo and Asana integrations, the planning engine and the
// image proxy. Run then serves the HTTP API and, when server.grpc_addr is set,
// the standard gRPC health service.
//
// # HTTP API
//
// Public:
//
//	GET  /health                     liveness
//	GET  /health/ready               database reachability
//	POST /api/login                  email/password -> JWT
//
// Authenticated (Bearer token, or everyone as owner when no jwt_secret is set):
//
//	GET    /api/clients                       list (?active=true)
//	POST   /api/clients                       create (admin)
//	GET    /api/clients/{id}                  get
//	PUT    /api/clients/{id}                  update (admin)
//	DELETE /api/clients/{id}                  delete (admin)
//	GET    /api/clients/{id}/calendars        list calendars
//	POST   /api/clients/{id}/calendars        create calendar
//	GET    /api/calendars/{id}                calendar with campaigns
//	GET    /api/calendars/{id}/campaigns      list campaigns
//	PUT    /api/calendars/{id}/campaigns      replace campaigns, returns the report
//	POST   /api/calendars/{id}/validate       validation report
//	GET    /api/calendars/{id}/export         ?format=md|html
//	GET    /api/calendars/{id}/runs           runs of a calendar
//	POST   /api/calendars/{id}/runs           start a planning run
//	GET    /api/runs/{id}                     run with its latest state
//	POST   /api/runs/{id}/resume              resume from the last checkpoint
//	POST   /api/runs/{id}/approve             approve the reviewed calendar (admin)
//	POST   /api/runs/{id}/reject              reject with notes (admin)
//	GET    /api/runs/{id}/checkpoints         checkpoint history
//	GET    /api/rules                         thresholds in force
//	GET    /api/images?url=                   image proxy
//	GET    /api/audit                         audit log (admin)
//
// Errors are JSON objects of the form {"error": "..."}. Mutations are
// recorded in the audit log with the caller as actor.
//
// # Lifecycle
//
// Serve runs both listeners in an errgroup. When the context is cancelled the
// health service flips to NOT_SERVING, gRPC stops gracefully (forced after
// five seconds) and the HTTP server drains. Close releases the components
// built by New in reverse order, then the store.
package server
