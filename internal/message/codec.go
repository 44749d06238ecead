package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// record is the logical wire schema. Pointer fields distinguish "absent"
// from zero so decoding can reject fields that belong to the other variant.
type record struct {
	Kind      Kind    `json:"kind"`
	ID        string  `json:"id,omitempty"`
	Sender    int     `json:"sender"`
	Timestamp uint64  `json:"timestamp"`
	Seq       *uint64 `json:"seq,omitempty"`
	AckOf     *string `json:"ack_of,omitempty"`
	Payload   *string `json:"payload,omitempty"`
	AckerSeq  *uint64 `json:"acker_seq,omitempty"`
}

// Encode serializes m into its canonical self-describing form.
func Encode(m Message) ([]byte, error) {
	var r record
	switch v := m.(type) {
	case *Data:
		if err := v.Validate(); err != nil {
			return nil, err
		}
		seq, payload := v.Seq, v.Payload
		r = record{
			Kind:      KindData,
			ID:        v.ID,
			Sender:    v.Sender,
			Timestamp: v.Timestamp,
			Seq:       &seq,
			Payload:   &payload,
		}
	case *Ack:
		if err := v.Validate(); err != nil {
			return nil, err
		}
		ackOf, ackerSeq := v.AckOf, v.AckerSeq
		r = record{
			Kind:      KindAck,
			Sender:    v.Acker,
			Timestamp: v.Timestamp,
			AckOf:     &ackOf,
			AckerSeq:  &ackerSeq,
		}
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}

	return json.Marshal(&r)
}

// Decode parses a frame produced by Encode. Every failure wraps ErrMalformed.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var r record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after record", ErrMalformed)
	}

	switch r.Kind {
	case KindData:
		if r.Seq == nil || r.Payload == nil {
			return nil, fmt.Errorf("%w: data record missing seq or payload", ErrMalformed)
		}
		if r.AckOf != nil || r.AckerSeq != nil {
			return nil, fmt.Errorf("%w: data record carries ack fields", ErrMalformed)
		}
		d := &Data{
			ID:        r.ID,
			Sender:    r.Sender,
			Seq:       *r.Seq,
			Timestamp: r.Timestamp,
			Payload:   *r.Payload,
		}
		if err := d.Validate(); err != nil {
			if errors.Is(err, ErrMalformed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return d, nil

	case KindAck:
		if r.AckOf == nil {
			return nil, fmt.Errorf("%w: ack record missing ack_of", ErrMalformed)
		}
		if r.ID != "" || r.Seq != nil || r.Payload != nil {
			return nil, fmt.Errorf("%w: ack record carries data fields", ErrMalformed)
		}
		a := &Ack{
			AckOf:     *r.AckOf,
			Acker:     r.Sender,
			Timestamp: r.Timestamp,
		}
		if r.AckerSeq != nil {
			a.AckerSeq = *r.AckerSeq
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		return a, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, r.Kind)
	}
}
