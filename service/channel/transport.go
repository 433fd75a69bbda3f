package channel

import (
	"context"
	"errors"
)

var ErrConnClosed = errors.New("channel connection closed")

// Conn is one live connection to the push gateway.
// ReadFrame is called from a single goroutine; WriteFrame may be called concurrently.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Transport opens connections for an authenticated user.
type Transport interface {
	Name() string
	Dial(ctx context.Context, userID, credential string) (Conn, error)
}
