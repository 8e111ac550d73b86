package redelivery

import (
	"strings"

	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/pkg/id"
)

// Key identifies one deliverable copy of a message.
type Key string

// QueueKey is the identity of a queued message: queue://NAME/<id>.
func QueueKey(dest destination.Destination, msgID id.ID) Key {
	return Key(dest.String() + "/" + msgID.String())
}

// SubscriptionKey is the identity of a topic copy held for one subscription:
// topic://NAME/<subscription>/<id>.
func SubscriptionKey(dest destination.Destination, subscription string, msgID id.ID) Key {
	return Key(dest.String() + "/" + subscription + "/" + msgID.String())
}

// MessageID extracts the trailing message id.
func (k Key) MessageID() (id.ID, error) {
	s := string(k)
	return id.Parse(s[strings.LastIndexByte(s, '/')+1:])
}

func (k Key) String() string { return string(k) }
