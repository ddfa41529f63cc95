package rfbview

import (
	"crypto/des"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SecurityType identifies an RFB security scheme.
type SecurityType uint8

// Security types this client can negotiate.
const (
	secTypeNone    SecurityType = 1
	secTypeVNCAuth SecurityType = 2
)

// securityHandler is one client-side security scheme: it identifies itself
// for negotiation and performs the authentication exchange.
type securityHandler interface {
	Type() SecurityType
	Authenticate(rw io.ReadWriter) error
}

// securityNone implements the "None" security type (type 1): no credential
// is exchanged, but RFB 3.8 still sends a SecurityResult which must be
// checked.
type securityNone struct{}

func (securityNone) Type() SecurityType { return secTypeNone }

func (securityNone) Authenticate(rw io.ReadWriter) error {
	return readSecurityResult(rw, "security-none")
}

// securityVNCAuth implements VNC challenge-response authentication
// (type 2): the server sends a 16-byte challenge which the client encrypts
// with a DES key derived from the password.
type securityVNCAuth struct {
	Password string
}

func (securityVNCAuth) Type() SecurityType { return secTypeVNCAuth }

func (s securityVNCAuth) Authenticate(rw io.ReadWriter) error {
	var challenge [16]byte
	if _, err := io.ReadFull(rw, challenge[:]); err != nil {
		return fmt.Errorf("vnc-auth: failed to read challenge: %w", err)
	}

	// The key is the password, null-padded or truncated to 8 bytes, with
	// the bits of each byte reversed. The bit reversal is a quirk of the
	// original VNC implementation that every server expects.
	key := make([]byte, 8)
	copy(key, s.Password)
	for i := range key {
		key[i] = reverseBits(key[i])
	}

	cipher, err := des.NewCipher(key)
	if err != nil {
		return fmt.Errorf("vnc-auth: failed to create des cipher: %w", err)
	}
	response := make([]byte, 16)
	cipher.Encrypt(response[0:8], challenge[0:8])
	cipher.Encrypt(response[8:16], challenge[8:16])

	if _, err := rw.Write(response); err != nil {
		return fmt.Errorf("vnc-auth: failed to write response: %w", err)
	}
	return readSecurityResult(rw, "vnc-auth")
}

func reverseBits(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		out = out<<1 | (b>>i)&1
	}
	return out
}

// readSecurityResult reads the uint32 SecurityResult that ends every
// security exchange. A non-zero result in RFB 3.8 is followed by a reason
// string, which is surfaced in the error.
func readSecurityResult(rw io.ReadWriter, scheme string) error {
	var result uint32
	if err := binary.Read(rw, binary.BigEndian, &result); err != nil {
		return fmt.Errorf("%s: failed to read security result: %w", scheme, err)
	}
	if result == 0 {
		return nil
	}
	var reasonLen uint32
	if err := binary.Read(rw, binary.BigEndian, &reasonLen); err != nil {
		return fmt.Errorf("%s: authentication failed", scheme)
	}
	reason := make([]byte, reasonLen)
	if _, err := io.ReadFull(rw, reason); err != nil {
		return fmt.Errorf("%s: authentication failed", scheme)
	}
	return fmt.Errorf("%s: authentication failed: %s", scheme, reason)
}

var errNoCommonSecurity = errors.New("no supported security types offered by server")
