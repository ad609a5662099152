// Package transport moves encoded packets between replicas. Delivery is best
// effort: packets may be lost, duplicated or reordered.
package transport

import (
	"context"
	"errors"

	"caracaldb/internal/view"
)

var ErrClosed = errors.New("transport closed")

type Transport interface {
	// Send queues data for dest. It does not wait for delivery.
	Send(ctx context.Context, dest view.Address, data []byte) error
	// Receive yields inbound packets. The channel is never closed.
	Receive() <-chan []byte
	Close() error
}
