// Package wire implements the byte-level framing shared by the Gateway and
// the Agent: the port-selection header written once at the start of every
// Session, and the UDP encapsulation envelope multiplexed over UDP-protocol
// Sessions. Nothing in this package performs I/O beyond reading from an
// io.Reader/writing to an io.Writer the caller supplies.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PortHeaderLen is the size in bytes of the port-selection header.
const PortHeaderLen = 4

// EnvelopeHeaderLen is the size in bytes of the UDP envelope header,
// excluding payload.
const EnvelopeHeaderLen = 8

// MaxUDPPayload is the largest payload an envelope may carry, per §4.1.
const MaxUDPPayload = 65507

// ErrFrameTooLarge is returned when a decoded envelope declares a payload
// length exceeding the receiver's configured maximum. Per §4.5 this is a
// protocol error and the caller must close the Session.
var ErrFrameTooLarge = errors.New("wire: envelope payload exceeds maximum")

// WritePortHeader writes the 4-byte big-endian port-selection header that an
// Agent sends immediately after dialing the Gateway's data-plane port.
func WritePortHeader(w io.Writer, port uint32) error {
	var b [PortHeaderLen]byte
	binary.BigEndian.PutUint32(b[:], port)
	_, err := w.Write(b[:])
	return err
}

// ReadPortHeader reads and decodes the 4-byte port-selection header. The
// Gateway MUST read exactly these bytes before any other interpretation of
// the connection.
func ReadPortHeader(r io.Reader) (uint32, error) {
	var b [PortHeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Envelope is the decoded form of a UDP encapsulation frame.
type Envelope struct {
	ClientIP   [4]byte // all-zero => response/control direction
	ClientPort uint16  // zero iff ClientIP is all-zero
	Payload    []byte
}

// IsControl reports whether the envelope uses the reserved all-zero
// address, meaning it carries no addressed client flow. Per §4.5 and the
// spec's mandated variant, user data always echoes a non-zero client
// address; the all-zero shape is reserved for future administrative use
// and must never be emitted for user data.
func (e Envelope) IsControl() bool {
	return e.ClientIP == [4]byte{} && e.ClientPort == 0
}

// Encode appends the wire representation of the envelope to dst and
// returns the result. maxPayload bounds the payload size accepted;
// pass 0 to use MaxUDPPayload.
func Encode(dst []byte, e Envelope, maxPayload int) ([]byte, error) {
	if maxPayload <= 0 {
		maxPayload = MaxUDPPayload
	}
	if len(e.Payload) > maxPayload {
		return nil, fmt.Errorf("wire: encode payload len %d exceeds max %d: %w", len(e.Payload), maxPayload, ErrFrameTooLarge)
	}
	var hdr [EnvelopeHeaderLen]byte
	copy(hdr[0:4], e.ClientIP[:])
	binary.BigEndian.PutUint16(hdr[4:6], e.ClientPort)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(e.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, e.Payload...)
	return dst, nil
}

// Decode reads exactly one envelope from buf, returning the decoded
// envelope, the number of bytes consumed, and ok=false if buf does not yet
// hold a complete frame (the caller should buffer more bytes and retry).
// maxPayload bounds the accepted payload length; pass 0 to use
// MaxUDPPayload. A declared length exceeding maxPayload is reported via
// ErrFrameTooLarge and the caller must treat the Session as unusable.
func Decode(buf []byte, maxPayload int) (env Envelope, consumed int, ok bool, err error) {
	if maxPayload <= 0 {
		maxPayload = MaxUDPPayload
	}
	if len(buf) < EnvelopeHeaderLen {
		return Envelope{}, 0, false, nil
	}
	copy(env.ClientIP[:], buf[0:4])
	env.ClientPort = binary.BigEndian.Uint16(buf[4:6])
	n := int(binary.BigEndian.Uint16(buf[6:8]))
	if n > maxPayload {
		return Envelope{}, 0, false, fmt.Errorf("wire: decoded payload len %d exceeds max %d: %w", n, maxPayload, ErrFrameTooLarge)
	}
	total := EnvelopeHeaderLen + n
	if len(buf) < total {
		return Envelope{}, 0, false, nil
	}
	payload := make([]byte, n)
	copy(payload, buf[EnvelopeHeaderLen:total])
	env.Payload = payload
	return env, total, true, nil
}

// Reader incrementally decodes envelopes from an underlying io.Reader,
// buffering partial frames across reads exactly as §4.1 requires ("a
// correct reader must buffer partial frames and process as many complete
// frames as are available").
type Reader struct {
	r          io.Reader
	buf        []byte
	maxPayload int
}

// NewReader wraps r for envelope decoding. maxPayload bounds accepted
// payload sizes; pass 0 for MaxUDPPayload.
func NewReader(r io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = MaxUDPPayload
	}
	return &Reader{r: r, maxPayload: maxPayload, buf: make([]byte, 0, 4096)}
}

// ReadEnvelope blocks until one complete envelope is available, reading
// from the underlying io.Reader as needed. It returns io.EOF (or wrapped)
// when the underlying reader is exhausted with no partial frame pending,
// and ErrFrameTooLarge on a framing violation.
func (r *Reader) ReadEnvelope() (Envelope, error) {
	for {
		env, n, ok, err := Decode(r.buf, r.maxPayload)
		if err != nil {
			return Envelope{}, err
		}
		if ok {
			r.buf = append(r.buf[:0], r.buf[n:]...)
			return env, nil
		}
		chunk := make([]byte, 32*1024)
		m, rerr := r.r.Read(chunk)
		if m > 0 {
			r.buf = append(r.buf, chunk[:m]...)
		}
		if rerr != nil {
			if m > 0 {
				// give the caller a chance to drain a frame that
				// completed with this read before surfacing rerr.
				continue
			}
			return Envelope{}, rerr
		}
	}
}
