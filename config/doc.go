// Package config loads measurement plane configuration.
//
// Values come from defaults, an optional YAML file, the legacy BROKER_URL and
// ENDPOINT variables, and MPLANE_-prefixed environment variables, in that
// order. Nested sections map to nested prefixes, so agent.endpoint is
// MPLANE_AGENT_ENDPOINT.
//
// Watcher reloads the file while a process runs; the agent uses it to apply
// log.level changes without a restart.
package config
