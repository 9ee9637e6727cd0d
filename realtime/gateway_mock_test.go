package realtime

import (
	"context"
	"sync"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	"github.com/stretchr/testify/mock"
)

type mockGateway struct {
	mock.Mock

	mu       sync.Mutex
	receiver usmqtt.Receiver
}

func (m *mockGateway) Subscribe(ctx context.Context, filter string) error {
	return m.Called(ctx, filter).Error(0)
}

func (m *mockGateway) Unsubscribe(ctx context.Context, filter string) error {
	return m.Called(ctx, filter).Error(0)
}

func (m *mockGateway) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error {
	return m.Called(ctx, topic, payload, retain, qos).Error(0)
}

func (m *mockGateway) SetReceiver(r usmqtt.Receiver) {
	m.mu.Lock()
	m.receiver = r
	m.mu.Unlock()
}

func (m *mockGateway) Start(context.Context) error {
	return nil
}

func (m *mockGateway) Stop(context.Context) error {
	return nil
}

func (m *mockGateway) deliver(topic string, payload []byte) {
	m.mu.Lock()
	r := m.receiver
	m.mu.Unlock()
	if r != nil {
		r(topic, payload)
	}
}

func nopHandler() Handler {
	return HandleRaw(func(Ctx, []byte) error { return nil })
}
