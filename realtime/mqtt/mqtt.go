package mqtt

import (
	"context"
	"sync"
)

// Receiver is invoked once for every inbound message a gateway delivers.
type Receiver func(topic string, payload []byte)

type Subscriber interface {
	Subscribe(ctx context.Context, filter string) error
	Unsubscribe(ctx context.Context, filter string) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error
}

// Gateway is the broker connection seen by the dispatch layer. Connection
// lifecycle, reconnects and transport security belong to the implementation.
type Gateway interface {
	Subscriber
	Publisher
	SetReceiver(r Receiver)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

const (
	NoRetain = false
	Retain   = true
)

const (
	QoS0 byte = 0
	QoS1 byte = 1
	QoS2 byte = 2
)

// FilterSet tracks the filters a gateway has subscribed, in subscription
// order. Brokers that fan a message out once per matching subscription use
// Canonical to forward it through a single filter only.
type FilterSet struct {
	mu      sync.RWMutex
	filters []string
}

// Add appends filter and reports whether it was not present yet.
func (s *FilterSet) Add(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.filters {
		if f == filter {
			return false
		}
	}
	s.filters = append(s.filters, filter)
	return true
}

// Remove deletes filter and reports whether it was present.
func (s *FilterSet) Remove(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.filters {
		if f == filter {
			s.filters = append(s.filters[:i:i], s.filters[i+1:]...)
			return true
		}
	}
	return false
}

func (s *FilterSet) Contains(filter string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.filters {
		if f == filter {
			return true
		}
	}
	return false
}

// List returns a copy of the tracked filters.
func (s *FilterSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.filters...)
}

func (s *FilterSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filters)
}

// Canonical returns the first tracked filter matching topic under policy.
func (s *FilterSet) Canonical(policy MatchPolicy, topic string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.filters {
		if MatchesWith(policy, f, topic) {
			return f, true
		}
	}
	return "", false
}

// Reset drops every tracked filter and returns the previous contents.
func (s *FilterSet) Reset() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filters
	s.filters = nil
	return out
}
