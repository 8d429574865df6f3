// Package wire implements the framing spoken between the coordinator and the
// storage nodes, and the coordinator-side client for it.
//
// A request is a command token followed by command specific fields. Strings
// are a uint16 length plus UTF-8 bytes, payloads a uint32 length plus raw
// bytes, booleans a single byte and integers a big-endian int32.
//
//	list    department                     -> []string
//	add     department filename payload    -> bool
//	edit    department filename payload    -> bool
//	delete  department filename            -> bool
//	fetch   department filename            -> payload (empty = not found)
//	ping                                   -> "pong"
//	getLoad                                -> int32
//
// Any other token is answered with false.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Command tokens.
const (
	CmdList    = "list"
	CmdAdd     = "add"
	CmdEdit    = "edit"
	CmdDelete  = "delete"
	CmdFetch   = "fetch"
	CmdPing    = "ping"
	CmdGetLoad = "getLoad"

	// Pong is the only valid reply to CmdPing.
	Pong = "pong"
)

// MaxPayload caps a single file payload.
const MaxPayload = 64 << 20

// MaxStringLen is the longest string the uint16 length prefix can carry.
const MaxStringLen = math.MaxUint16

var (
	// ErrInvalidRequest marks a request the client refused to send because
	// it does not fit the framing. No connection was made.
	ErrInvalidRequest  = errors.New("wire: invalid request")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrStringTooLong   = errors.New("wire: string too long")
	ErrUnexpectedReply = errors.New("wire: unexpected reply")
)

// IsCommand reports whether token is one of the commands a node serves.
func IsCommand(token string) bool {
	switch token {
	case CmdList, CmdAdd, CmdEdit, CmdDelete, CmdFetch, CmdPing, CmdGetLoad:
		return true
	}
	return false
}

// CheckRequest reports whether fields and payload fit the framing. The
// error wraps ErrInvalidRequest and the specific encoding error.
func CheckRequest(payload []byte, fields ...string) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %w: %d bytes", ErrInvalidRequest, ErrPayloadTooLarge, len(payload))
	}
	for _, f := range fields {
		if len(f) > MaxStringLen {
			return fmt.Errorf("%w: %w: %d bytes", ErrInvalidRequest, ErrStringTooLong, len(f))
		}
	}
	return nil
}

// WriteString writes s with its uint16 length prefix.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLen {
		return ErrStringTooLong
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(s)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a length-prefixed string.
func ReadString(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteBytes writes b with its uint32 length prefix.
func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxPayload {
		return ErrPayloadTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadBytes reads a length-prefixed payload of at most MaxPayload bytes.
func ReadBytes(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBool writes v as a single 0 or 1 byte.
func WriteBool(w io.Writer, v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	_, err := w.Write(b)
	return err
}

// ReadBool reads a single byte boolean. Any byte other than 0 or 1 is an
// unexpected reply.
func ReadBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: bool byte 0x%02x", ErrUnexpectedReply, b[0])
}

// WriteInt writes v as a big-endian int32.
func WriteInt(w io.Writer, v int32) error {
	return binary.Write(w, binary.BigEndian, v)
}

// ReadInt reads a big-endian int32.
func ReadInt(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// WriteStrings writes a uint32 count followed by each string.
func WriteStrings(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// maxListEntries bounds a decoded listing so a corrupt count cannot force a
// huge allocation.
const maxListEntries = 1 << 20

// ReadStrings reads a list written by WriteStrings.
func ReadStrings(r io.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > maxListEntries {
		return nil, fmt.Errorf("%w: list of %d entries", ErrUnexpectedReply, n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
