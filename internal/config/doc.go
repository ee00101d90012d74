// Package config handles configuration loading for emailpilot.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from EMAILPILOT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/emailpilot/config.yaml
//  3. ~/.config/emailpilot/config.yaml
//
// Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	klaviyo:
//	  api_key: "${KLAVIYO_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "24h"
//	images:
//	  cache_ttl: "30m"
//
// # Integrations
//
// Klaviyo and Asana are optional. An empty api_key/token disables the
// integration; the planning pipeline then skips history ingest, review tasks
// and remote publishing, and campaigns are only marked as scheduled locally.
package config
