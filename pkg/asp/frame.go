package asp

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Binary audio frames share the WebSocket with JSON control messages. A
// fixed 12-byte header identifies the session by a truncated hash so no JSON
// wrapper is needed per frame:
//
//	byte 0      magic (0x01)
//	byte 1      direction (0x00 inbound, 0x01 outbound)
//	bytes 2-9   first 8 bytes of SHA-256(session_id), little-endian u64
//	bytes 10-11 reserved (zero)
//
// The payload is 16-bit little-endian mono PCM. Frames are lossy by design:
// a header that fails validation is dropped silently, never answered with a
// protocol.error.
const (
	FrameMagic      = 0x01
	FrameHeaderSize = 12
)

// Frame directions.
const (
	DirectionInbound  = 0x00 // caller → AI
	DirectionOutbound = 0x01 // AI → caller
)

// ErrShortFrame is returned when a binary frame is smaller than the header.
var ErrShortFrame = errors.New("asp: binary frame shorter than header")

// ErrBadMagic is returned when a binary frame does not start with FrameMagic.
var ErrBadMagic = errors.New("asp: bad frame magic")

// SessionHash derives the 8-byte wire identifier for a session. It is a pure
// function of the session ID; distinct IDs collide with probability ~2^-64.
func SessionHash(sessionID string) uint64 {
	sum := sha256.Sum256([]byte(sessionID))
	return binary.LittleEndian.Uint64(sum[:8])
}

// FrameHeader is the decoded 12-byte binary frame header.
type FrameHeader struct {
	Direction byte
	Hash      uint64
}

// EncodeFrame prepends the binary header to a PCM payload.
func EncodeFrame(direction byte, hash uint64, pcm []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(pcm))
	buf[0] = FrameMagic
	buf[1] = direction
	binary.LittleEndian.PutUint64(buf[2:10], hash)
	copy(buf[FrameHeaderSize:], pcm)
	return buf
}

// ParseFrame validates and splits a binary frame into its header and PCM
// payload. The payload aliases the input slice.
func ParseFrame(data []byte) (FrameHeader, []byte, error) {
	if len(data) < FrameHeaderSize {
		return FrameHeader{}, nil, ErrShortFrame
	}
	if data[0] != FrameMagic {
		return FrameHeader{}, nil, ErrBadMagic
	}
	dir := data[1]
	if dir != DirectionInbound && dir != DirectionOutbound {
		return FrameHeader{}, nil, fmt.Errorf("asp: unknown frame direction 0x%02x", dir)
	}
	return FrameHeader{
		Direction: dir,
		Hash:      binary.LittleEndian.Uint64(data[2:10]),
	}, data[FrameHeaderSize:], nil
}
