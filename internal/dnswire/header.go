// Package dnswire implements minimal, byte-exact DNS message parsing:
// only the 12-byte fixed header and the question section are inspected,
// and only far enough to find its exact byte extent. Everything after
// the question section is opaque and must be forwarded verbatim by the
// caller. There is no compression-pointer decoding: this is intentional
// and matches the fact that both sides of a comparison come from the
// same untouched wire bytes.
package dnswire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed length of a DNS message header.
const HeaderSize = 12

// Header is the fixed 12-byte prefix of a DNS message.
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// QR reports whether the response bit is set (high bit of byte 2, i.e.
// of Flags).
func (h Header) QR() bool {
	return h.Flags&0x8000 != 0
}

var (
	// ErrTooShort is returned when the message is shorter than the fixed
	// header.
	ErrTooShort = errors.New("dnswire: message shorter than header")
	// ErrTruncatedName is returned when a QNAME's length-prefixed labels
	// run past the end of the buffer before the terminating zero label.
	ErrTruncatedName = errors.New("dnswire: truncated or unterminated QNAME")
	// ErrTruncatedQuestion is returned when a QTYPE/QCLASS pair runs past
	// the end of the buffer.
	ErrTruncatedQuestion = errors.New("dnswire: truncated question")
)

// ParseHeader decodes the fixed 12-byte header. It rejects messages
// shorter than HeaderSize.
func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, ErrTooShort
	}
	return Header{
		ID:      binary.BigEndian.Uint16(msg[0:2]),
		Flags:   binary.BigEndian.Uint16(msg[2:4]),
		QDCount: binary.BigEndian.Uint16(msg[4:6]),
		ANCount: binary.BigEndian.Uint16(msg[6:8]),
		NSCount: binary.BigEndian.Uint16(msg[8:10]),
		ARCount: binary.BigEndian.Uint16(msg[10:12]),
	}, nil
}

// QuestionEnd walks qdcount questions starting at HeaderSize and returns
// the byte offset one past the end of the question section. Each
// question is a QNAME (length-prefixed labels terminated by a zero-length
// label, compression pointers not followed) followed by a fixed
// 4-byte QTYPE/QCLASS pair. It rejects truncated or unterminated names.
func QuestionEnd(msg []byte, qdcount uint16) (int, error) {
	off := HeaderSize

	for q := uint16(0); q < qdcount; q++ {
		for {
			if off >= len(msg) {
				return 0, ErrTruncatedName
			}
			l := int(msg[off])
			off++
			if l == 0 {
				break
			}
			if l&0xC0 != 0 {
				// A compression pointer inside the question section is
				// not decompressed; treat it as a malformed name for our
				// purposes.
				return 0, ErrTruncatedName
			}
			off += l
			if off > len(msg) {
				return 0, ErrTruncatedName
			}
		}
		off += 4 // QTYPE + QCLASS
		if off > len(msg) {
			return 0, ErrTruncatedQuestion
		}
	}
	return off, nil
}

// Message is the result of parsing a datagram: the decoded header and the
// exact byte range of the question section (msg[HeaderSize:QuestionEnd]).
type Message struct {
	Header       Header
	QuestionFrom int
	QuestionTo   int
}

// Question returns the raw question-section bytes.
func (m Message) Question(msg []byte) []byte {
	return msg[m.QuestionFrom:m.QuestionTo]
}

// Parse decodes the header and locates the question section of msg. It
// performs no allocation beyond the returned Message; the caller keeps
// the original buffer to slice question bytes out of if it needs to
// retain them past the next receive.
func Parse(msg []byte) (Message, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return Message{}, err
	}
	end, err := QuestionEnd(msg, h.QDCount)
	if err != nil {
		return Message{}, err
	}
	return Message{Header: h, QuestionFrom: HeaderSize, QuestionTo: end}, nil
}

// SetID overwrites the transaction ID field of msg in place, in network
// byte order.
func SetID(msg []byte, id uint16) {
	binary.BigEndian.PutUint16(msg[0:2], id)
}
