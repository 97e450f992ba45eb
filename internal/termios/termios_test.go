package termios

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := unix.Termios{
		Iflag: unix.ICRNL,
		Oflag: unix.OPOST,
		Cflag: unix.CS8,
		Lflag: unix.ICANON | unix.ISIG | unix.ECHO,
	}
	in.Cc[unix.VMIN] = 1
	in.Cc[unix.VTIME] = 0

	enc, err := Encode(&in)
	require.NoError(t, err)
	assert.Len(t, enc, Size)

	out, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}
