// Package message defines the broker message and its durable record encoding.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/pkg/id"
)

// Diagnostic properties stamped on dead-lettered copies.
const (
	PropFailureCause        = "dlqDeliveryFailureCause"
	PropOriginalDestination = "dlqOriginalDestination"
	PropRedeliveryCounter   = "dlqRedeliveryCounter"
	PropOriginalMessageID   = "dlqOriginalMessageId"
	PropDivertedAtMs        = "dlqDivertedAtMs"
)

// Message is a unit of delivery. ID is assigned once at send time and is the
// durable identity redelivery state is keyed on.
type Message struct {
	ID          id.ID                   `json:"id"`
	Destination destination.Destination `json:"destination"`
	Body        []byte                  `json:"-"`
	Properties  map[string]string       `json:"properties,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
	// RedeliveryCounter counts prior failed deliveries of this copy.
	RedeliveryCounter int  `json:"redeliveryCounter"`
	Redelivered       bool `json:"redelivered"`
}

// New builds an unsent message for dest.
func New(dest destination.Destination, body []byte, props map[string]string) *Message {
	return &Message{Destination: dest, Body: body, Properties: props}
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	if m.Properties != nil {
		c.Properties = make(map[string]string, len(m.Properties))
		for k, v := range m.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// Property returns a property value and whether it was set.
func (m *Message) Property(key string) (string, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// SetProperty sets a property, allocating the map when needed.
func (m *Message) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
}

// IntProperty parses an integer property; ok is false when absent or malformed.
func (m *Message) IntProperty(key string) (int64, bool) {
	v, ok := m.Properties[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

// ErrCorrupt is returned when a stored record fails its checksum.
var ErrCorrupt = errors.New("message: corrupt record")

// Marshal encodes m as a checksummed record: JSON header plus raw body.
func Marshal(m *Message) ([]byte, error) {
	header, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode header: %w", err)
	}
	return EncodeRecord(header, m.Body), nil
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(b []byte) (*Message, error) {
	rec, ok := DecodeRecord(b)
	if !ok {
		return nil, ErrCorrupt
	}
	var m Message
	if err := json.Unmarshal(rec.Header, &m); err != nil {
		return nil, fmt.Errorf("message: decode header: %w", err)
	}
	m.Body = rec.Payload
	return &m, nil
}
