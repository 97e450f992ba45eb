// Package termios encodes and decodes unix.Termios for transport across the
// IPC socket-pair, byte-for-byte, since driver and subject are always the
// same host and the same ABI.
package termios

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Size is the wire size of an encoded Termios.
var Size = binarySize()

func binarySize() int {
	var t unix.Termios
	return binary.Size(t)
}

// Encode serializes t in host byte order.
func Encode(t *unix.Termios) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, t); err != nil {
		return nil, fmt.Errorf("termios: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a Termios previously produced by Encode.
func Decode(payload []byte) (*unix.Termios, error) {
	if len(payload) != Size {
		return nil, fmt.Errorf("termios: malformed payload: got %d bytes, want %d", len(payload), Size)
	}
	var t unix.Termios
	if err := binary.Read(bytes.NewReader(payload), binary.NativeEndian, &t); err != nil {
		return nil, fmt.Errorf("termios: decode: %w", err)
	}
	return &t, nil
}
