// Package deadletter diverts poisoned messages to a dead-letter destination,
// stamping the diagnostic properties downstream consumers use to tell why a
// message arrived there.
//
// Routing is either Shared (every poisoned message goes to one queue,
// "redq.DLQ" by default) or Individual (a queue per origin, "DLQ.<name>").
// Copies can additionally be mirrored to Kafka for offline inspection.
package deadletter
