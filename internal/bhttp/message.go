// Package bhttp decodes the Binary HTTP (RFC 9292) request messages the
// request engine receives after HPKE decapsulation.
//
// Only the request side is implemented: a decapsulated OHTTP request's
// plaintext is a bHTTP request message, while the gateway's own response
// path is a raw chunk stream (no inner bHTTP framing — see the response
// encapsulation note in package gateway), so no bHTTP response writer is
// needed here.
package bhttp

import (
	"bufio"
	"fmt"
	"io"
)

// Mode selects known-length or indeterminate-length framing. Request
// decoding accepts either; it is exposed here so the request engine can
// report which mode it observed and because the same constants select the
// gateway's own response chunk framing.
type Mode int

const (
	KnownLength Mode = iota
	IndeterminateLength
)

const (
	framingKnownLengthRequest         = 0
	framingIndeterminateLengthRequest = 2
)

// Field is one header (or trailer) field.
type Field struct {
	Name  []byte
	Value []byte
}

// Message is a decoded bHTTP request: control data, header fields, and
// content. Trailers are parsed but not retained — nothing downstream of
// the request engine consumes them.
type Message struct {
	Mode      Mode
	Method    []byte
	Scheme    []byte
	Authority []byte
	Path      []byte
	Headers   []Field
	Content   []byte
}

// ReadRequest decodes a single bHTTP request message from r.
func ReadRequest(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)

	indicator, err := readVarint(br)
	if err != nil {
		return nil, fmt.Errorf("bhttp: read framing indicator: %w", err)
	}

	var msg Message
	switch indicator {
	case framingKnownLengthRequest:
		msg.Mode = KnownLength
	case framingIndeterminateLengthRequest:
		msg.Mode = IndeterminateLength
	default:
		return nil, fmt.Errorf("bhttp: unsupported framing indicator %d", indicator)
	}

	if msg.Method, err = readLengthPrefixed(br); err != nil {
		return nil, fmt.Errorf("bhttp: read method: %w", err)
	}
	if msg.Scheme, err = readLengthPrefixed(br); err != nil {
		return nil, fmt.Errorf("bhttp: read scheme: %w", err)
	}
	if msg.Authority, err = readLengthPrefixed(br); err != nil {
		return nil, fmt.Errorf("bhttp: read authority: %w", err)
	}
	if msg.Path, err = readLengthPrefixed(br); err != nil {
		return nil, fmt.Errorf("bhttp: read path: %w", err)
	}

	if msg.Headers, err = readFieldSection(br, msg.Mode); err != nil {
		return nil, fmt.Errorf("bhttp: read header section: %w", err)
	}

	if msg.Content, err = readContentSection(br, msg.Mode); err != nil {
		return nil, fmt.Errorf("bhttp: read content section: %w", err)
	}

	// Trailer section: same shape as the header section. A request with no
	// trailers still encodes an (empty) section in known-length mode, or a
	// zero-length terminator in indeterminate mode.
	if _, err := readFieldSection(br, msg.Mode); err != nil {
		return nil, fmt.Errorf("bhttp: read trailer section: %w", err)
	}

	return &msg, nil
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFieldSection(r *bufio.Reader, mode Mode) ([]Field, error) {
	switch mode {
	case KnownLength:
		length, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, nil
		}
		section := io.LimitReader(r, int64(length))
		return readFields(bufio.NewReader(section), false)
	case IndeterminateLength:
		return readFields(r, true)
	default:
		return nil, fmt.Errorf("bhttp: unknown mode %d", mode)
	}
}

// readFields reads field lines until the reader is exhausted (known-length,
// bounded by a LimitReader) or a zero-length terminator line is seen
// (indeterminate-length).
func readFields(r *bufio.Reader, stopOnTerminator bool) ([]Field, error) {
	var fields []Field

	for {
		nameLen, err := readVarint(r)
		if err == io.EOF {
			return fields, nil
		}
		if err != nil {
			return nil, err
		}

		if stopOnTerminator && nameLen == 0 {
			return fields, nil
		}

		name := make([]byte, nameLen)
		if nameLen > 0 {
			if _, err := io.ReadFull(r, name); err != nil {
				return nil, err
			}
		}

		value, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}

		fields = append(fields, Field{Name: name, Value: value})
	}
}

func readContentSection(r *bufio.Reader, mode Mode) ([]byte, error) {
	switch mode {
	case KnownLength:
		length, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, nil
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	case IndeterminateLength:
		var content []byte
		for {
			chunkLen, err := readVarint(r)
			if err != nil {
				return nil, err
			}
			if chunkLen == 0 {
				return content, nil
			}
			chunk := make([]byte, chunkLen)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return nil, err
			}
			content = append(content, chunk...)
		}
	default:
		return nil, fmt.Errorf("bhttp: unknown mode %d", mode)
	}
}
