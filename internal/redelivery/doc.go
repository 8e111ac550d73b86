// Package redelivery decides what happens to a message after a failed
// acknowledgment: schedule a delayed redelivery or divert it to a dead-letter
// destination.
//
// State is keyed by the message's durable identity, never by the consumer
// connection, so a counter survives reconnects, session replacement and
// broker restarts. Decisions for the same key are serialized on one shard
// worker; different keys proceed in parallel.
//
//	c, _ := redelivery.New(redelivery.Options{Store: store, Resolver: policies, Diverter: router})
//	_ = c.Start(ctx)
//	defer c.Close()
//	out, err := c.Fail(ctx, redelivery.Failure{Key: key, Message: msg, Reason: redelivery.ReasonRollback, Settle: settler})
package redelivery
