// Package transports defines the device I/O boundary: capture audio in,
// synthesized audio and control messages out.
package transports

import (
	"context"

	"github.com/voxtutor/voxtutor/pkg/frames"
)

// Transport is a vendor-agnostic frame boundary. Implementations own their
// network lifecycle; Recv closes when the peer goes away.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}
