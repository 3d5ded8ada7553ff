package socket

import (
	"bufio"
	"bytes"
	"testing"
)

func FuzzFrameDecode(f *testing.F) {
	f.Add([]byte{0, 0, 0, 2, '4', '2'})
	f.Add([]byte{0, 0, 0, 0})
	f.Add([]byte{0, 0, 0, 7, '{', '"', 'a', '"', ':', '1', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		payload, err := ReadFrame(bufio.NewReader(bytes.NewReader(data)))
		if err != nil {
			return
		}
		if len(payload) == 0 || len(payload) > MaxFrameSize {
			t.Fatalf("frame of %d bytes accepted", len(payload))
		}
		_, _ = DecodeValue(payload)
	})
}
