// Package httpserver provides the admin REST gateway for redq, built on chi.
// It exposes health, broker stats, the broker-side redelivery policy map,
// message send, dead-letter queries, per-message redelivery state and the
// Prometheus scrape endpoint.
//
// Routes:
//
//	GET    /v1/healthz
//	GET    /v1/stats
//	GET    /v1/policies
//	PUT    /v1/policies                 {"pattern":"queue://orders.>", ...settings}
//	DELETE /v1/policies?pattern=
//	PUT    /v1/policies/default         {...settings}
//	GET    /v1/policies/resolve?destination=
//	POST   /v1/messages                 {"destination":"queue://orders","body":"...","properties":{}}
//	GET    /v1/dlq?field=&value=&limit=
//	GET    /v1/redelivery/{key}
//	GET    /metrics
//
// Example:
//
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
