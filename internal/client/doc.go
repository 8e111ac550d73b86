// Package client is the application-facing messaging API: connections own a
// redelivery policy map, sessions group deliveries under an acknowledgement
// mode, and consumers receive by polling or through a listener.
//
// Redelivery state lives with the broker, keyed on the message, so a message
// observes one continuous attempt count no matter how many connections,
// sessions or consumers it passes through.
package client
