package notifier

import (
	"log"
	"sync"

	"github.com/hgi/cookiemonster/core"
	"github.com/hgi/cookiemonster/registry"
	"github.com/hgi/cookiemonster/util"
)

// ReceiverSource is anything that can supply the current notification
// receivers, in delivery order.
type ReceiverSource interface {
	Receivers() []core.NotificationReceiver
}

// RegistrySource adapts a receiver plugin registry (see the registry
// package) to a ReceiverSource.
type RegistrySource struct {
	Registry *registry.Registry
}

// Receivers returns the receivers in the registry's snapshot order.
func (s *RegistrySource) Receivers() []core.NotificationReceiver {
	entries := s.Registry.Snapshot()
	acc := make([]core.NotificationReceiver, 0, len(entries))
	for _, e := range entries {
		r, is := e.Item.(core.NotificationReceiver)
		if !is {
			log.Printf("Notifier ignoring non-receiver %T from %s", e.Item, e.File)
			continue
		}
		acc = append(acc, r)
	}
	return acc
}

// Notifier broadcasts notifications to every currently registered
// receiver.
//
// Delivery is best-effort, synchronous in the caller's goroutine, and
// in source order.  Receivers are independent: a panic in one is
// caught and logged without blocking the others.
type Notifier struct {
	mu      sync.RWMutex
	sources []ReceiverSource
	static  []core.NotificationReceiver
}

// NewNotifier makes a Notifier over the given sources.
func NewNotifier(sources ...ReceiverSource) *Notifier {
	return &Notifier{
		sources: sources,
	}
}

// AddReceiver registers a receiver directly (not via a plugin
// registry).  Used for built-in sinks like the MQTT publisher and the
// websocket feed.
func (n *Notifier) AddReceiver(r core.NotificationReceiver) {
	n.mu.Lock()
	n.static = append(n.static, r)
	n.mu.Unlock()
}

// RemoveReceiver unregisters a receiver previously added with
// AddReceiver.  Receivers are identified by identity.
func (n *Notifier) RemoveReceiver(r core.NotificationReceiver) {
	n.mu.Lock()
	acc := n.static[:0]
	for _, x := range n.static {
		if x != r {
			acc = append(acc, x)
		}
	}
	n.static = acc
	n.mu.Unlock()
}

// Broadcast delivers the notification to every receiver.
func (n *Notifier) Broadcast(msg core.Notification) {
	util.Logf("Notifier.Broadcast %s from %s", msg.Topic, msg.Sender)

	n.mu.RLock()
	sources := make([]ReceiverSource, len(n.sources))
	copy(sources, n.sources)
	static := make([]core.NotificationReceiver, len(n.static))
	copy(static, n.static)
	n.mu.RUnlock()

	for _, s := range sources {
		for _, r := range s.Receivers() {
			deliver(r, msg)
		}
	}
	for _, r := range static {
		deliver(r, msg)
	}
}

func deliver(r core.NotificationReceiver, msg core.Notification) {
	defer func() {
		if x := recover(); x != nil {
			log.Printf("Notifier receiver panic %v", x)
		}
	}()
	r.Receive(msg)
}
