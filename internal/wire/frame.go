package wire

import (
	"bytes"
	"crypto/md5"
	"errors"
)

// Magic prefixes a framed aggregated record so consumers can tell it apart from a plain record.
var Magic = []byte{0xF3, 0x89, 0x9A, 0xC2}

var (
	ErrNotAggregated    = errors.New("payload is not a framed aggregated record")
	ErrChecksumMismatch = errors.New("aggregated record checksum mismatch")
)

// Frame wraps an encoded message as magic || message || md5(message).
func Frame(msg []byte) []byte {
	sum := md5.Sum(msg)
	out := make([]byte, 0, len(Magic)+len(msg)+md5.Size)
	out = append(out, Magic...)
	out = append(out, msg...)
	return append(out, sum[:]...)
}

// Unframe strips and verifies the envelope added by Frame and returns the inner message.
func Unframe(b []byte) ([]byte, error) {
	if len(b) < len(Magic)+md5.Size || !bytes.HasPrefix(b, Magic) {
		return nil, ErrNotAggregated
	}
	msg := b[len(Magic) : len(b)-md5.Size]
	want := b[len(b)-md5.Size:]
	sum := md5.Sum(msg)
	if !bytes.Equal(sum[:], want) {
		return nil, ErrChecksumMismatch
	}
	return msg, nil
}
