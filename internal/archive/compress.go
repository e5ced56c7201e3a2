package archive

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4"
)

// compress encodes data as a 4-byte uncompressed length followed by an LZ4
// block. Incompressible data is stored raw with a zero block length marker.
func compress(data []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	if len(data) == 0 {
		return out[:4], nil
	}

	n, err := lz4.CompressBlock(data, out[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression failed: %w", err)
	}
	if n == 0 || n >= len(data) {
		raw := make([]byte, 5+len(data))
		binary.BigEndian.PutUint32(raw, uint32(len(data)))
		raw[4] = 0
		copy(raw[5:], data)
		return raw, nil
	}
	return out[:4+n], nil
}

func decompress(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, errors.New("compressed snapshot too short")
	}
	size := binary.BigEndian.Uint32(b)
	body := b[4:]
	if size == 0 {
		return []byte{}, nil
	}
	if len(body) == int(size)+1 && body[0] == 0 {
		return append([]byte(nil), body[1:]...), nil
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompression failed: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("lz4 decompression: got %d bytes, want %d", n, size)
	}
	return out, nil
}
