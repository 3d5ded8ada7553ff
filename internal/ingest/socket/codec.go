package socket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 8 << 20

const headerLen = 4

var (
	ErrEmptyFrame    = errors.New("socket: empty frame")
	ErrFrameTooLarge = errors.New("socket: frame too large")
)

// Reply is the acknowledgement frame written back for every value frame.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r Reply) Err() error {
	if r.OK {
		return nil
	}
	return errors.New(r.Error)
}

// WriteFrame writes payload behind a big-endian uint32 length prefix in a
// single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	n := len(payload)
	if n == 0 {
		return ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, headerLen+n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

func ReadFrame(r *bufio.Reader) ([]byte, error) {
	head, err := r.Peek(headerLen)
	if err != nil {
		if errors.Is(err, io.EOF) && len(head) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(head)
	switch {
	case n == 0:
		_, _ = r.Discard(headerLen)
		return nil, ErrEmptyFrame
	case n > MaxFrameSize:
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	_, _ = r.Discard(headerLen)
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteValue encodes v as JSON and writes it as one frame.
func WriteValue(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return WriteFrame(w, payload)
}

// DecodeValue parses a frame payload into a generic JSON value.
func DecodeValue(payload []byte) (any, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return v, nil
}
