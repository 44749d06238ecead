// Package message defines the two protocol records exchanged by reliable
// multicast peers and their canonical wire encoding.
package message

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxPayloadSize bounds a DATA payload in bytes.
const MaxPayloadSize = 8 * 1024

// MaxEncodedSize bounds the encoding of a DATA record whose payload is at
// most MaxPayloadSize bytes and whose id comes from NewID. A payload byte
// escapes to at most six bytes of JSON; the rest is envelope.
const MaxEncodedSize = 6*MaxPayloadSize + 512

var (
	// ErrMalformed is returned for any frame that does not decode to a valid record.
	ErrMalformed = errors.New("malformed message")

	// ErrPayloadTooLarge is returned when a DATA payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidPayload is returned for payloads that are not valid UTF-8.
	ErrInvalidPayload = errors.New("payload is not valid utf-8")
)

// Kind tags the record variant on the wire.
type Kind string

const (
	KindData Kind = "DATA"
	KindAck  Kind = "ACK"
)

// Message is the closed set {*Data, *Ack}. Callers switch on the concrete
// type; no other implementation exists.
type Message interface {
	Kind() Kind
	// From is the process that produced the record (sender or acker).
	From() int
	// Clock is the Lamport timestamp carried by the record.
	Clock() uint64

	isMessage()
}

// Data is an application multicast.
type Data struct {
	ID        string
	Sender    int
	Seq       uint64
	Timestamp uint64
	Payload   string
}

// Ack acknowledges receipt of the DATA record AckOf.
//
// AckerSeq is the number of DATA records the acker had multicast when it
// produced the ACK; receivers use it to decide when the ACK timestamp is a
// safe lower bound for the acker's future DATA timestamps.
type Ack struct {
	AckOf     string
	Acker     int
	Timestamp uint64
	AckerSeq  uint64
}

func (*Data) Kind() Kind { return KindData }
func (*Ack) Kind() Kind  { return KindAck }

func (d *Data) From() int { return d.Sender }
func (a *Ack) From() int  { return a.Acker }

func (d *Data) Clock() uint64 { return d.Timestamp }
func (a *Ack) Clock() uint64  { return a.Timestamp }

func (*Data) isMessage() {}
func (*Ack) isMessage()  {}

func (d *Data) String() string {
	return fmt.Sprintf("DATA(id=%s sender=%d seq=%d ts=%d len=%d)", d.ID, d.Sender, d.Seq, d.Timestamp, len(d.Payload))
}

func (a *Ack) String() string {
	return fmt.Sprintf("ACK(of=%s acker=%d ts=%d acker_seq=%d)", a.AckOf, a.Acker, a.Timestamp, a.AckerSeq)
}

// Validate checks the invariants every DATA record must satisfy.
func (d *Data) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: data without id", ErrMalformed)
	case !utf8.ValidString(d.ID):
		return fmt.Errorf("%w: data id is not valid utf-8", ErrMalformed)
	case d.Sender < 0:
		return fmt.Errorf("%w: negative sender %d", ErrMalformed, d.Sender)
	case d.Seq == 0:
		return fmt.Errorf("%w: data seq must start at 1", ErrMalformed)
	}
	return ValidatePayload(d.Payload)
}

// Validate checks the invariants every ACK record must satisfy.
func (a *Ack) Validate() error {
	switch {
	case a.AckOf == "":
		return fmt.Errorf("%w: ack without ack_of", ErrMalformed)
	case !utf8.ValidString(a.AckOf):
		return fmt.Errorf("%w: ack_of is not valid utf-8", ErrMalformed)
	case a.Acker < 0:
		return fmt.Errorf("%w: negative acker %d", ErrMalformed, a.Acker)
	}
	return nil
}

// ValidatePayload reports whether payload can be carried by a DATA record.
func ValidatePayload(payload string) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	if !utf8.ValidString(payload) {
		return ErrInvalidPayload
	}
	return nil
}

// NewIncarnation returns a token that distinguishes one run of a process from
// any other, so ids stay unique across restarts that reset seq.
func NewIncarnation() string {
	return uuid.NewString()
}

// NewID builds a DATA id from the sender identity, its incarnation and its
// per-sender sequence number.
func NewID(sender int, incarnation string, seq uint64) string {
	return fmt.Sprintf("%d-%s-%d", sender, incarnation, seq)
}
