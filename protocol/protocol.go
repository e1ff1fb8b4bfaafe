// Package protocol implements the length-prefixed frame protocol for objrpc.
//
// Every message travels as a fixed 15-byte header followed by a variable-length
// body. The receiver reads the header first to learn the body length and then
// reads exactly that many bytes, so a message split across TCP segments (or two
// messages in one segment) is decoded correctly.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│st│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "mrp".
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 15 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 1 (status) + 4 (seq) + 4 (bodyLen)

	// DefaultMaxBodySize bounds a single body unless a caller picks another limit.
	DefaultMaxBodySize = 1 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server call
	MsgTypeResponse  MsgType = 1 // Server → Client result
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body, no reply)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON byte = 0
)

var (
	// ErrFrameTooLarge is returned when a body exceeds the configured maximum.
	// Oversized frames are rejected before any body byte is read.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum body size")
	// ErrInvalidFrame wraps every header validation failure.
	ErrInvalidFrame = errors.New("protocol: invalid frame")
)

// Header represents the fixed 15-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON
	MsgType   MsgType // Request, Response, or Heartbeat
	Status    byte    // Response status, see message.Status; zero on requests
	Seq       uint32  // Echoed by the server so the client can detect a desynced stream
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w as one Write call.
// h.BodyLen is set from body. maxBody <= 0 means DefaultMaxBodySize.
func Encode(w io.Writer, h *Header, body []byte, maxBody int) error {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	if len(body) > maxBody {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), maxBody)
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	buf[6] = h.Status
	// Network byte order
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body length.
// A clean EOF before the first header byte is returned as io.EOF; a frame cut
// short anywhere else is io.ErrUnexpectedEOF.
func Decode(r io.Reader, maxBody int) (*Header, []byte, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: invalid magic number: %x", ErrInvalidFrame, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version: %d", ErrInvalidFrame, headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON {
		return nil, nil, fmt.Errorf("%w: unsupported codec type: %d", ErrInvalidFrame, headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("%w: unsupported message type: %d", ErrInvalidFrame, msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[7:11])
	bodyLen := binary.BigEndian.Uint32(headerBuf[11:15])
	if uint64(bodyLen) > uint64(maxBody) {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, maxBody)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Status:    headerBuf[6],
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
