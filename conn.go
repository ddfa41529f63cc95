package rfbview

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bigangryrobot/rfbview/logger"
)

// BatchHandler receives decoded update batches from a Conn. The engine
// implements it; the read loop delivers one batch at a time and does not
// read further until HandleBatch returns.
type BatchHandler interface {
	HandleBatch(rects []RectUpdate) error
	HandleTransportError(err error)
}

// ConnConfig configures an RFB client connection.
type ConnConfig struct {
	// Addr is the server address in host:port form.
	Addr string

	// Credential selects and feeds the security negotiation.
	Credential Credential

	// Exclusive requests a non-shared session, disconnecting other
	// clients.
	Exclusive bool

	// DialTimeout bounds the TCP dial. Zero means 5 seconds.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the whole protocol handshake, preventing a
	// non-responsive server from holding the connection indefinitely.
	// Zero means 10 seconds.
	HandshakeTimeout time.Duration

	// IdleTimeout, when non-zero, fails the read loop if the server sends
	// nothing for that long. Disabled by default: a static remote screen
	// legitimately produces no traffic.
	IdleTimeout time.Duration

	// Dial overrides the transport dial, used by tests to swap in a
	// net.Pipe end.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

func (cfg *ConnConfig) withDefaults() ConnConfig {
	out := *cfg
	if out.DialTimeout == 0 {
		out.DialTimeout = 5 * time.Second
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.Dial == nil {
		out.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: out.DialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return out
}

// Conn is an RFB client connection implementing the Source interface. It
// performs the 3.8 handshake, pins the session to the client's fixed 32bpp
// pixel format, advertises only the Raw and CopyRect encodings, and decodes
// framebuffer update messages into batches for its BatchHandler.
type Conn struct {
	cfg     ConnConfig
	handler BatchHandler

	c        net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	protocol string
	desc     Descriptor

	// wmu serializes client-to-server messages; pointer events and update
	// requests come from different goroutines.
	wmu       sync.Mutex
	requested bool

	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewConn builds a connection that will deliver batches to handler. Connect
// must be called before any other method.
func NewConn(cfg ConnConfig, handler BatchHandler) *Conn {
	return &Conn{
		cfg:     cfg.withDefaults(),
		handler: handler,
		quit:    make(chan struct{}),
	}
}

// Connect dials the server, runs the handshake sequence, pins the pixel
// format and encodings, and starts the read loop. On success it returns the
// negotiated framebuffer descriptor; on failure the underlying connection is
// closed.
func (c *Conn) Connect(ctx context.Context) (Descriptor, error) {
	// The connection object is reusable: a previous session (torn down by
	// Close or a transport failure) leaves closed set and quit closed.
	// Wait out any prior read loop, then reset the session state so the
	// first update request of the new session is again non-incremental.
	c.wg.Wait()
	c.mu.Lock()
	c.closed = false
	c.quit = make(chan struct{})
	c.mu.Unlock()
	c.wmu.Lock()
	c.requested = false
	c.wmu.Unlock()

	nc, err := c.cfg.Dial(ctx, c.cfg.Addr)
	if err != nil {
		return Descriptor{}, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	c.c = nc
	c.br = bufio.NewReader(nc)
	c.bw = bufio.NewWriter(nc)

	nc.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	for _, step := range defaultHandshake {
		if err := step.handle(c); err != nil {
			nc.Close()
			return Descriptor{}, fmt.Errorf("handshake failed during %T: %w", step, err)
		}
	}
	nc.SetDeadline(time.Time{})

	// Pin the session format so every raw payload already matches the
	// framebuffer layout, then advertise the encodings the applier
	// understands. CopyRect first: servers prefer earlier entries.
	if err := writeSetPixelFormat(c.bw, DefaultPixelFormat); err != nil {
		nc.Close()
		return Descriptor{}, fmt.Errorf("failed to set pixel format: %w", err)
	}
	if err := writeSetEncodings(c.bw, []EncodingType{EncCopyRect, EncRaw}); err != nil {
		nc.Close()
		return Descriptor{}, fmt.Errorf("failed to set encodings: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		nc.Close()
		return Descriptor{}, err
	}

	logger.Debugf("handshake complete: %q %s, desktop %q", c.protocol, DefaultPixelFormat, c.desc.Name)

	c.wg.Add(1)
	go c.readLoop()
	return c.desc, nil
}

// Protocol returns the server's protocol version string.
func (c *Conn) Protocol() string { return c.protocol }

// RequestUpdate asks the server for the next framebuffer update. The first
// request after connecting asks for the full screen; subsequent ones are
// incremental.
func (c *Conn) RequestUpdate() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return net.ErrClosed
	}
	incremental := uint8(1)
	if !c.requested {
		incremental = 0
		c.requested = true
	}
	if err := writeFramebufferUpdateRequest(c.bw, incremental, 0, 0, uint16(c.desc.Width), uint16(c.desc.Height)); err != nil {
		return err
	}
	return c.bw.Flush()
}

// SendPointerEvent transmits the pointer position and button state.
func (c *Conn) SendPointerEvent(x, y uint16, mask ButtonMask) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return net.ErrClosed
	}
	if err := writePointerEvent(c.bw, x, y, mask); err != nil {
		return err
	}
	return c.bw.Flush()
}

// SendKeyEvent transmits a key press or release for the given keysym.
func (c *Conn) SendKeyEvent(key Key, down bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return net.ErrClosed
	}
	var d uint8
	if down {
		d = 1
	}
	if err := writeKeyEvent(c.bw, d, key); err != nil {
		return err
	}
	return c.bw.Flush()
}

// readLoop reads server messages until the connection dies or Close is
// called. Update batches are handed to the BatchHandler synchronously, so
// the server is never more than one batch ahead of the applier.
func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.quit:
			return
		default:
		}

		if c.cfg.IdleTimeout > 0 {
			c.c.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}

		var msgType [1]byte
		if _, err := io.ReadFull(c.br, msgType[:]); err != nil {
			c.fail(fmt.Errorf("reading message type: %w", err))
			return
		}

		var err error
		switch msgType[0] {
		case msgFramebufferUpdate:
			var rects []RectUpdate
			if rects, err = readUpdateBatch(c.br, c.desc); err == nil {
				err = c.deliver(rects)
			}
		case msgSetColourMapEntries:
			err = skipColourMapEntries(c.br)
		case msgBell:
			// One byte, no body, nothing to do.
		case msgServerCutText:
			err = skipServerCutText(c.br)
		default:
			// An unknown message type means the stream position is lost;
			// there is no way to resynchronize.
			err = fmt.Errorf("unsupported message type %d from server", msgType[0])
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Conn) deliver(rects []RectUpdate) error {
	err := c.handler.HandleBatch(rects)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConnected):
		// Engine already gone; stop reading quietly.
		return err
	case errors.Is(err, ErrShortPayload):
		// Protocol violation surfaced by the applier: the server sent a
		// rectangle inconsistent with any valid clipping. Tear down.
		return fmt.Errorf("protocol violation: %w", err)
	default:
		return err
	}
}

// fail tears the connection down after a read-loop error and notifies the
// handler, unless the error is the result of a local Close.
func (c *Conn) fail(err error) {
	select {
	case <-c.quit:
		// Local close; the error is just the read unblocking.
		return
	default:
	}
	logger.Errorf("connection failed: %v", err)
	c.closeConn()
	c.handler.HandleTransportError(err)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) closeConn() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.quit)
	if c.c != nil {
		return c.c.Close()
	}
	return nil
}

// Close shuts the connection down and waits for the read loop to exit. Safe
// to call multiple times.
func (c *Conn) Close() error {
	err := c.closeConn()
	c.wg.Wait()
	return err
}
