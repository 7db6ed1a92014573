// Package wire implements the framed message protocol spoken between
// clients, chunkservers and the metadata server.
//
// A payload on the wire is a 4-byte big-endian length followed by that many
// bytes of msgpack-encoded struct. A message is a single variant-id byte
// followed by one payload; variant ids are stable and declaration-ordered
// within each message family. Chunk-carrying messages are followed by
// exactly ChunkSize raw body bytes with no additional framing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrProtocol is the root of all connection-level protocol violations:
// unknown variant ids, truncated frames, over-length payloads. The stream
// carrying the violation is aborted; the connection survives.
var ErrProtocol = errors.New("wire: protocol error")

var (
	ErrUnknownVariant  = fmt.Errorf("%w: unknown message variant", ErrProtocol)
	ErrTruncatedFrame  = fmt.Errorf("%w: truncated frame", ErrProtocol)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds size cap", ErrProtocol)
)

// WritePayload frames v as a length-prefixed msgpack payload.
func WritePayload(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	if len(body) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadPayload reads one length-prefixed payload from r into v.
func ReadPayload(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return truncated(err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return truncated(err)
	}

	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// truncated maps short reads onto ErrTruncatedFrame while letting clean
// EOFs and transport errors through untouched.
func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncatedFrame
	}
	return err
}
