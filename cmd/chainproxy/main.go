// Package main is the entry point for chainproxy, an authenticated reverse
// proxy in front of a blockchain data API.
//
// chainproxy sits between public clients and the upstream data provider and
// provides:
//   - API key authentication with the upstream credential kept server-side
//   - Per-client fixed-window rate limiting backed by Redis or memory
//   - Retries with jittered backoff and a per-request subrequest budget
//   - Deduplication of identical in-flight upstream GETs
//   - Response schema validation and a uniform JSON error envelope
//
// Usage:
//
//	# Start the proxy (the default command)
//	chainproxy serve
//
//	# Print the route reference as markdown
//	chainproxy routes
//
//	# Show version information
//	chainproxy version
package main

func main() {
	Execute()
}
