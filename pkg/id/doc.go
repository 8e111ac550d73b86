// Package id provides the 128-bit sortable identifier redq assigns to every
// message at send time.
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
// It is the durable identity that redelivery state is keyed on, so it is
// persisted with the message and survives restarts.
//
//	g := id.NewGenerator()
//	msgID := g.Next()
//	s := msgID.String()      // 32 hex chars
//	back, _ := id.Parse(s)   // back == msgID
package id
