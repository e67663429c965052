// Package fanout implements the GUI wire protocol and broadcast registry
// (spec.md §4.6, §6): every normalized TraceEntry, ProcessShutdownEvent,
// or control datagram is serialized once and enqueued to every connected
// GUI socket.
package fanout

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	apperrors "github.com/apaku/tracetool/pkg/errors"
	"github.com/apaku/tracetool/pkg/types"
)

// MagicCookie is the fixed constant shared with the GUI client,
// identifying the start of a well-formed datagram.
const MagicCookie uint32 = 0x54524143 // "TRAC"

// ProtocolVersion is the only protocol version this server speaks.
const ProtocolVersion uint32 = 1

// DatagramType tags a frame's payload shape.
type DatagramType uint8

const (
	TraceEntryDatagram DatagramType = iota + 1
	ProcessShutdownEventDatagram
	TraceFileNameDatagram
	DatabaseNukeFinishedDatagram
	DatabaseNukeDatagram // GUI -> server only
)

// Frame is one decoded (or about-to-be-encoded) GUI datagram.
type Frame struct {
	Type    DatagramType
	Payload []byte
}

// Encode renders f as the wire frame described in spec.md §6:
//
//	uint16 payload_size  (big-endian; covers everything after this field)
//	uint32 magic_cookie
//	uint32 protocol_version
//	uint8  datagram_type
//	<payload>
func Encode(f Frame) ([]byte, error) {
	body := 4 + 4 + 1 + len(f.Payload)
	if body > 0xFFFF {
		return nil, fmt.Errorf("fanout: payload too large to frame: %d bytes", body)
	}

	buf := new(bytes.Buffer)
	buf.Grow(2 + body)
	binary.Write(buf, binary.BigEndian, uint16(body))
	binary.Write(buf, binary.BigEndian, MagicCookie)
	binary.Write(buf, binary.BigEndian, ProtocolVersion)
	buf.WriteByte(byte(f.Type))
	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// ReadFrame reads and validates one inbound frame from r (used for GUI ->
// server control datagrams). A magic-cookie mismatch or unsupported
// protocol version is reported as a *errors.AppError of KindProtocol, per
// spec.md §6.
func ReadFrame(r io.Reader) (Frame, error) {
	var size uint16
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return Frame{}, err
	}
	if size < 9 {
		return Frame{}, apperrors.ProtocolError("read_frame", "frame shorter than fixed header")
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	cookie := binary.BigEndian.Uint32(body[0:4])
	if cookie != MagicCookie {
		return Frame{}, apperrors.ProtocolError("read_frame", "magic cookie mismatch")
	}
	version := binary.BigEndian.Uint32(body[4:8])
	if version != ProtocolVersion {
		return Frame{}, apperrors.ProtocolError("read_frame", fmt.Sprintf("unsupported protocol version %d", version))
	}

	return Frame{Type: DatagramType(body[8]), Payload: body[9:]}, nil
}

// EncodeTraceEntry serializes a TraceEntry with a deterministic tagged
// gob encoding of every public field, per spec.md §6 ("implementation-
// defined but must be deserializable ... sufficient to use a
// deterministic tagged encoding of every public field").
func EncodeTraceEntry(e *types.TraceEntry) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(e); err != nil {
		return nil, fmt.Errorf("fanout: encode trace entry: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeShutdownEvent serializes a ProcessShutdownEvent the same way.
func EncodeShutdownEvent(e *types.ProcessShutdownEvent) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(e); err != nil {
		return nil, fmt.Errorf("fanout: encode shutdown event: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTraceEntry is the GUI-side inverse of EncodeTraceEntry, kept here
// for test round-trips; the production GUI client decodes independently.
func DecodeTraceEntry(payload []byte) (*types.TraceEntry, error) {
	var e types.TraceEntry
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeShutdownEvent is the inverse of EncodeShutdownEvent.
func DecodeShutdownEvent(payload []byte) (*types.ProcessShutdownEvent, error) {
	var e types.ProcessShutdownEvent
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
