package canbus

import (
	"time"

	"github.com/pkg/errors"
)

// Bus is an open connection to the vehicle CAN bus.
//
// Recv performs a bounded-timeout read and returns (nil, nil) when the
// timeout elapses without a frame, so callers can poll a stop signal
// between reads. The read side is single-consumer; Send may be called
// from a different goroutine than Recv.
type Bus interface {
	Recv(timeout time.Duration) (*Frame, error)
	Send(Frame) error
	Close() error
	Name() string
}

// Inbound frames are buffered between the transport goroutine and Recv;
// when the consumer falls behind, the newest frames are dropped.
const frameBufferSize = 64

var errConnectionClosed = errors.New("bus connection closed")
