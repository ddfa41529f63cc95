package rfbview

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// protocolVersion is the RFB protocol version this client speaks.
	protocolVersion = "RFB 003.008\n"
)

// handshakeStep is one stage of the connection handshake. Steps run in a
// fixed sequence; any failure aborts the connection.
type handshakeStep interface {
	handle(c *Conn) error
}

// defaultHandshake is the standard RFB 3.8 client handshake sequence.
var defaultHandshake = []handshakeStep{
	&versionStep{},
	&securityStep{},
	&clientInitStep{},
	&serverInitStep{},
}

// versionStep exchanges protocol versions with the server.
type versionStep struct{}

func (h *versionStep) handle(c *Conn) error {
	var serverVersion [12]byte
	if _, err := io.ReadFull(c.br, serverVersion[:]); err != nil {
		return fmt.Errorf("failed to read server version: %w", err)
	}
	c.protocol = string(serverVersion[:])

	if _, err := c.bw.Write([]byte(protocolVersion)); err != nil {
		return fmt.Errorf("failed to write client version: %w", err)
	}
	return c.bw.Flush()
}

// securityStep negotiates a security type and authenticates.
type securityStep struct{}

func (h *securityStep) handle(c *Conn) error {
	var numSecTypes uint8
	if err := binary.Read(c.br, binary.BigEndian, &numSecTypes); err != nil {
		return fmt.Errorf("failed to read number of security types: %w", err)
	}

	if numSecTypes == 0 {
		// Zero security types is a refusal, followed by a reason string.
		var reasonLen uint32
		if err := binary.Read(c.br, binary.BigEndian, &reasonLen); err != nil {
			return fmt.Errorf("failed to read security failure reason length: %w", err)
		}
		reason := make([]byte, reasonLen)
		if _, err := io.ReadFull(c.br, reason); err != nil {
			return fmt.Errorf("failed to read security failure reason: %w", err)
		}
		return fmt.Errorf("server reported security failure: %s", reason)
	}

	serverSecTypes := make([]byte, numSecTypes)
	if _, err := io.ReadFull(c.br, serverSecTypes); err != nil {
		return fmt.Errorf("failed to read server security types: %w", err)
	}

	// Pick the first scheme supported by both sides. With a password the
	// client can answer either scheme; without one only None is usable.
	handlers := []securityHandler{securityNone{}}
	if c.cfg.Credential.Password != "" {
		handlers = []securityHandler{securityVNCAuth{Password: c.cfg.Credential.Password}, securityNone{}}
	}
	for _, handler := range handlers {
		for _, serverType := range serverSecTypes {
			if handler.Type() != SecurityType(serverType) {
				continue
			}
			if _, err := c.bw.Write([]byte{byte(handler.Type())}); err != nil {
				return fmt.Errorf("failed to write security type: %w", err)
			}
			if err := c.bw.Flush(); err != nil {
				return err
			}
			return handler.Authenticate(&handshakeRW{c})
		}
	}
	return errNoCommonSecurity
}

// handshakeRW adapts the connection's buffered reader and writer into the
// flushing io.ReadWriter the security handlers expect.
type handshakeRW struct{ c *Conn }

func (rw *handshakeRW) Read(p []byte) (int, error) { return rw.c.br.Read(p) }

func (rw *handshakeRW) Write(p []byte) (int, error) {
	n, err := rw.c.bw.Write(p)
	if err != nil {
		return n, err
	}
	return n, rw.c.bw.Flush()
}

// clientInitStep sends the shared-session flag.
type clientInitStep struct{}

func (h *clientInitStep) handle(c *Conn) error {
	var sharedFlag uint8
	if !c.cfg.Exclusive {
		sharedFlag = 1
	}
	if _, err := c.bw.Write([]byte{sharedFlag}); err != nil {
		return fmt.Errorf("failed to write shared flag: %w", err)
	}
	return c.bw.Flush()
}

// serverInitStep reads the framebuffer dimensions, the server's pixel
// format, and the desktop name.
type serverInitStep struct{}

func (h *serverInitStep) handle(c *Conn) error {
	var width, height uint16
	if err := binary.Read(c.br, binary.BigEndian, &width); err != nil {
		return err
	}
	if err := binary.Read(c.br, binary.BigEndian, &height); err != nil {
		return err
	}

	var pf PixelFormat
	if err := binary.Read(c.br, binary.BigEndian, &pf); err != nil {
		return err
	}

	var nameLength uint32
	if err := binary.Read(c.br, binary.BigEndian, &nameLength); err != nil {
		return err
	}
	name := make([]byte, nameLength)
	if _, err := io.ReadFull(c.br, name); err != nil {
		return err
	}

	c.desc = Descriptor{Width: uint32(width), Height: uint32(height), Name: string(name)}
	if c.desc.Width == 0 || c.desc.Height == 0 {
		return fmt.Errorf("server sent %w: %dx%d", ErrInvalidDimensions, width, height)
	}
	return nil
}
