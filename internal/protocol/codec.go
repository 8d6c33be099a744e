package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// MaxFrameSize caps a single frame's payload. Rendered pages dominate frame
// size; 32 MiB comfortably fits the page cap at maximum raster resolution.
const MaxFrameSize = 32 << 20

// WriteMessage frames msg as a 4-byte big-endian length prefix followed by
// the JSON payload, written in a single Write call so frames are never
// interleaved by concurrent writers.
func WriteMessage(w io.Writer, msg *Message) error {
	if err := validate(msg); err != nil {
		return err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msg.Kind, err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%s frame too large: %d bytes (max %d)", msg.Kind, len(payload), MaxFrameSize)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Kind, err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame. It blocks until a full frame
// arrives, tolerating arbitrarily fragmented reads. io.EOF at a frame
// boundary is returned as-is so callers can treat a clean close distinctly
// from a truncated frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", size, err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// validate checks that exactly the payload matching Kind is present.
func validate(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("nil message")
	}
	var ok bool
	switch msg.Kind {
	case KindRender:
		ok = msg.Render != nil
	case KindRendered:
		ok = msg.Rendered != nil
	case KindDiagnosed:
		ok = msg.Diagnosed != nil
	case KindFailed:
		ok = msg.Failed != nil
	case KindProgress:
		ok = msg.Progress != nil
	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	if !ok {
		return fmt.Errorf("%s message missing payload", msg.Kind)
	}
	return nil
}
