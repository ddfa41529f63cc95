package rfbview

import "context"

// Descriptor carries the remote screen geometry negotiated during the
// connection handshake. Both dimensions are non-zero after a successful
// connect.
type Descriptor struct {
	Width  uint32
	Height uint32
	Name   string
}

// Credential holds the secret used during security negotiation. An empty
// password selects the None security type when the server offers it.
type Credential struct {
	Password string
}

// Source is the update stream the engine consumes. The wire protocol behind
// it (handshake, security, rectangle parsing) is the transport layer's job;
// the engine only relies on the contract below.
//
// Delivery is pull-based: the source sends a batch to the engine only after
// RequestUpdate, so the source is never more than one batch ahead of the
// applier. Implementations must deliver batches sequentially, never
// concurrently.
type Source interface {
	// Connect negotiates the session and yields the initial screen
	// dimensions.
	Connect(ctx context.Context) (Descriptor, error)

	// RequestUpdate asks the remote side for the next update batch.
	RequestUpdate() error

	// SendPointerEvent transmits a pointer position and button state.
	// Coordinates are already clamped to the framebuffer by the engine.
	SendPointerEvent(x, y uint16, mask ButtonMask) error

	// Close tears the transport down. In-flight reads fail and no further
	// batches are delivered.
	Close() error
}
