package socket

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFramePrefixesLength(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteFrame(&b, []byte(`"hi"`)))
	assert.Equal(t, []byte{0, 0, 0, 4, '"', 'h', 'i', '"'}, b.Bytes())
}

func TestReadFrameErrors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", []byte{0, 0, 0, 0}, ErrEmptyFrame},
		{"oversized header", []byte{0xff, 0, 0, 0}, ErrFrameTooLarge},
		{"short header", []byte{0, 0}, io.ErrUnexpectedEOF},
		{"short payload", []byte{0, 0, 0, 3, '1'}, io.ErrUnexpectedEOF},
		{"closed", nil, io.EOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadFrame(bufio.NewReader(bytes.NewReader(tc.in)))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestValuesSurviveFraming(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteValue(&b, map[string]any{"sender": "tcp", "message": []int{1, 2}}))
	require.NoError(t, WriteValue(&b, "second"))

	r := bufio.NewReader(&b)
	first, err := ReadFrame(r)
	require.NoError(t, err)
	v, err := DecodeValue(first)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sender": "tcp", "message": []any{float64(1), float64(2)}}, v)

	second, err := ReadFrame(r)
	require.NoError(t, err)
	v, err = DecodeValue(second)
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestReplyErr(t *testing.T) {
	assert.NoError(t, Reply{OK: true}.Err())
	assert.EqualError(t, Reply{Error: "graph rejected"}.Err(), "graph rejected")
}
