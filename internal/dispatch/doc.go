// Package dispatch hands messages from a broker subscription to a consumer.
// Both pull (Receive) and push (Listen) consumption go through a Gate, which
// withholds messages whose redelivery delay has not yet elapsed.
package dispatch
