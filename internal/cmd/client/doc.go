// Package client provides the `redq` command-line client.
//
// The CLI talks to the redq admin HTTP API and the gRPC health service to
// send messages, inspect dead letters and redelivery state, and work with
// redelivery policies from a terminal.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:8080 (REDQ_HTTP). The gRPC address is read
// from REDQ_GRPC (default 127.0.0.1:9090).
//
// Usage
//
//	redq send -d queue://orders --body '{"id":1}' --prop region=eu
//
//	redq dlq list --field destination --value queue://orders --limit 10
//	redq dlq list --field cause --value timeout --json
//
//	redq policy resolve queue://orders.eu
//	redq policy resolve --config redq.yaml queue://orders.eu
//	redq policy delays --exponential --multiplier 2 --max-delay-ms 60000
//
//	redq redelivery state queue://orders/0000018f2a...
//	redq health
package client
