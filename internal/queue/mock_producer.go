package queue

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProducer is a mock implementation of the Producer interface for testing.
type MockProducer struct {
	mock.Mock
}

// Connect is the mock implementation of the Connect method.
func (m *MockProducer) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Produce is the mock implementation of the Produce method. When the
// expectation returns nil and carries a second value of type error, ack is
// called with it, standing in for the broker's delivery report.
func (m *MockProducer) Produce(ctx context.Context, msg Message, ack AckFunc) error {
	args := m.Called(ctx, msg, ack)
	err := args.Error(0)
	if err == nil && ack != nil {
		var deliveryErr error
		if len(args) > 1 {
			deliveryErr = args.Error(1)
		}
		ack(deliveryErr)
	}
	return err
}

// Close is the mock implementation of the Close method.
func (m *MockProducer) Close() error {
	args := m.Called()
	return args.Error(0)
}
