package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock implementation of the Publisher interface for testing.
type MockPublisher struct {
	mock.Mock
}

// Publish is the mock implementation of the Publish method.
func (m *MockPublisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	args := m.Called(ctx, exchange, key, msg)
	return args.Bool(0), args.Error(1)
}
