package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/BaSui01/measurementplane/transport"
)

// MockTransport is a testify mock of transport.Transport.
type MockTransport struct {
	mock.Mock
}

var _ transport.Transport = (*MockTransport)(nil)

// Publish implements transport.Transport.
func (m *MockTransport) Publish(ctx context.Context, topic string, body []byte, replyTo string) error {
	args := m.Called(ctx, topic, body, replyTo)
	return args.Error(0)
}

// Subscribe implements transport.Transport.
func (m *MockTransport) Subscribe(ctx context.Context, topic string, handler transport.Handler) (transport.Subscription, error) {
	args := m.Called(ctx, topic, handler)
	sub, _ := args.Get(0).(transport.Subscription)
	return sub, args.Error(1)
}

// Close implements transport.Transport.
func (m *MockTransport) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
