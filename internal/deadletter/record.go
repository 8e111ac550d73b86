package deadletter

import (
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/pkg/id"
)

// Record is the decoded diagnostic view of a dead-lettered copy.
type Record struct {
	MessageID           id.ID             `json:"messageId"`
	Destination         string            `json:"destination"`
	OriginalMessageID   string            `json:"originalMessageId"`
	OriginalDestination string            `json:"originalDestination"`
	Cause               string            `json:"cause"`
	RedeliveryCounter   int               `json:"redeliveryCounter"`
	DivertedAt          time.Time         `json:"divertedAt"`
	Properties          map[string]string `json:"properties,omitempty"`
	Body                []byte            `json:"body,omitempty"`
}

// RecordOf reads the stamped properties back off a dead-lettered message.
func RecordOf(m *message.Message) Record {
	r := Record{
		MessageID:           m.ID,
		Destination:         m.Destination.String(),
		OriginalMessageID:   m.Properties[message.PropOriginalMessageID],
		OriginalDestination: m.Properties[message.PropOriginalDestination],
		Cause:               m.Properties[message.PropFailureCause],
		Body:                m.Body,
	}
	if n, ok := m.IntProperty(message.PropRedeliveryCounter); ok {
		r.RedeliveryCounter = int(n)
	}
	if ms, ok := m.IntProperty(message.PropDivertedAtMs); ok {
		r.DivertedAt = time.UnixMilli(ms)
	}
	for k, v := range m.Properties {
		if strings.HasPrefix(k, "dlq") {
			continue
		}
		if r.Properties == nil {
			r.Properties = make(map[string]string)
		}
		r.Properties[k] = v
	}
	return r
}

type field struct {
	get func(Record) string
	// contains selects substring matching instead of equality.
	contains bool
}

var fields = map[string]field{
	"cause":       {get: func(r Record) string { return r.Cause }, contains: true},
	"destination": {get: func(r Record) string { return r.OriginalDestination }},
	"counter":     {get: func(r Record) string { return strconv.Itoa(r.RedeliveryCounter) }},
	"id":          {get: func(r Record) string { return r.OriginalMessageID }},
	"body":        {get: func(r Record) string { return string(r.Body) }, contains: true},
}

// Filter selects records by one field. An empty or unknown field matches
// every record.
type Filter struct {
	Field string
	Value string
}

// Known reports whether the filter names a recognised field.
func (f Filter) Known() bool {
	_, ok := fields[strings.ToLower(f.Field)]
	return ok
}

// Match applies the filter to r.
func (f Filter) Match(r Record) bool {
	fd, ok := fields[strings.ToLower(f.Field)]
	if !ok {
		return true
	}
	v := fd.get(r)
	if fd.contains {
		return strings.Contains(v, f.Value)
	}
	return v == f.Value
}
