// Package protocol defines the wire format spoken over the chat websocket:
// binary audio frames with a length-prefixed JSON header, and the JSON
// control and result events exchanged in text messages.
//
// A binary frame is laid out as
//
//	[u32 little-endian header length][UTF-8 JSON header][payload]
//
// where the payload of a "vad.audio" frame is raw little-endian float32 PCM.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// DefaultSampleRate is assumed when an audio frame header omits sampleRate.
const DefaultSampleRate = 16000

// FrameTypeAudio is the only binary frame type the server acts on.
const FrameTypeAudio = "vad.audio"

const headerLenSize = 4

var (
	// ErrFrameTooShort is returned when a frame cannot hold the header length prefix.
	ErrFrameTooShort = errors.New("protocol: frame shorter than 4 bytes")

	// ErrHeaderTruncated is returned when the declared header length exceeds
	// the bytes that follow the prefix.
	ErrHeaderTruncated = errors.New("protocol: frame header truncated")

	// ErrHeaderMalformed is returned when the header is not valid UTF-8 JSON.
	ErrHeaderMalformed = errors.New("protocol: frame header malformed")
)

// FrameHeader is the JSON header of a binary frame.
type FrameHeader struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// Frame is a decoded binary frame. Payload aliases the input buffer.
type Frame struct {
	Header  FrameHeader
	Payload []byte
}

// IsAudio reports whether the frame carries captured microphone audio.
func (f Frame) IsAudio() bool { return f.Header.Type == FrameTypeAudio }

// DecodeFrame parses a binary frame. A missing or non-positive sampleRate is
// replaced by [DefaultSampleRate].
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < headerLenSize {
		return Frame{}, ErrFrameTooShort
	}
	n := binary.LittleEndian.Uint32(b[:headerLenSize])
	rest := b[headerLenSize:]
	if uint64(n) > uint64(len(rest)) {
		return Frame{}, fmt.Errorf("%w: declared %d bytes, have %d", ErrHeaderTruncated, n, len(rest))
	}
	raw := rest[:n]
	if !utf8.Valid(raw) {
		return Frame{}, fmt.Errorf("%w: invalid UTF-8", ErrHeaderMalformed)
	}
	var h FrameHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrHeaderMalformed, err)
	}
	if h.SampleRate <= 0 {
		h.SampleRate = DefaultSampleRate
	}
	return Frame{Header: h, Payload: rest[n:]}, nil
}

// EncodeFrame builds a binary frame from header and payload. The server never
// sends binary frames; clients and tests use this to produce input.
func EncodeFrame(h FrameHeader, payload []byte) ([]byte, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame header: %w", err)
	}
	out := make([]byte, headerLenSize, headerLenSize+len(raw)+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))
	out = append(out, raw...)
	out = append(out, payload...)
	return out, nil
}
