// Package global holds process wide defaults shared by servers and
// broadcasters that are not handed one explicitly.
package global

import (
	"sync/atomic"

	"github.com/toolink/cable/pubsub"
)

var globalBroker atomic.Pointer[pubsub.Broker]

func init() {
	globalBroker.Store(pubsub.New())
}

// SetBroker replaces the process broker. A nil broker is ignored.
func SetBroker(b *pubsub.Broker) {
	if b != nil {
		globalBroker.Store(b)
	}
}

// GetBroker returns the process broker. It starts out as a memory broker.
func GetBroker() *pubsub.Broker {
	return globalBroker.Load()
}
