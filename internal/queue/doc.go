// Package queue implements a durable, per-destination message store on
// Pebble with delay-gated claiming.
//
// Each store owns one scope: a queue ("queue/orders") or one topic
// subscription ("topic/prices/audit"). A message is either ready (claimable
// once its readyAt passes) or in flight (claimed, awaiting settlement).
// Claiming walks the ready index in sequence order and skips entries whose
// readyAt lies in the future, so a delayed message never blocks an eligible
// one behind it.
//
// # Keyspace
//
// All keys are prefixed with dst/{scope}/:
//
//	meta              - last sequence (8B BE)
//	msg/{seq}         - message record (CRC framed)
//	ready/{seq}       - readyAtMs (8B BE)
//	inflight/{seq}    - claimedAtMs (8B BE) | owner
//
// Sequences are big-endian so byte order equals arrival order.
package queue
