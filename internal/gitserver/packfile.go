package gitserver

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	objOfsDelta = 6
	objRefDelta = 7
)

var errInvalidPack = errors.New("invalid pack")

// skipPack consumes exactly one pack from r without storing it.
// A rejected push over SSH still sends its pack, and the connection
// can't carry the report before the pack has been read.
func skipPack(r *bufio.Reader) error {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("pack header: %w", err)
	}
	if string(hdr[:4]) != "PACK" {
		return errInvalidPack
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != 2 && v != 3 {
		return fmt.Errorf("%w: version %d", errInvalidPack, v)
	}
	n := binary.BigEndian.Uint32(hdr[8:12])

	for i := uint32(0); i < n; i++ {
		typ, err := skipObjectHeader(r)
		if err != nil {
			return fmt.Errorf("object %d: %w", i, err)
		}
		switch typ {
		case objOfsDelta:
			if err = skipOffset(r); err != nil {
				return fmt.Errorf("object %d: %w", i, err)
			}
		case objRefDelta:
			if _, err = r.Discard(20); err != nil {
				return fmt.Errorf("object %d: %w", i, err)
			}
		}
		if err = skipZlib(r); err != nil {
			return fmt.Errorf("object %d: %w", i, err)
		}
	}

	// SHA-1 trailer.
	if _, err := r.Discard(20); err != nil {
		return fmt.Errorf("pack trailer: %w", err)
	}
	return nil
}

func skipObjectHeader(r *bufio.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	typ := (b >> 4) & 0x7
	for b&0x80 != 0 {
		if b, err = r.ReadByte(); err != nil {
			return 0, err
		}
	}
	return typ, nil
}

func skipOffset(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b&0x80 == 0 {
			return nil
		}
	}
}

// skipZlib inflates one zlib stream. The decompressor reads r through
// io.ByteReader, so it stops at the end of the stream.
func skipZlib(r *bufio.Reader) error {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return err
	}
	if _, err = io.Copy(io.Discard, zr); err != nil {
		return err
	}
	return zr.Close()
}
