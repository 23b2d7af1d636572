// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package netstring implements the "len(D):D," framing used on the
// wire between bastio-agent and the backend control channel. Every
// protocol message is framed as a netstring before it is written to
// the SSH subsystem channel, and every inbound byte stream is decoded
// back into discrete message payloads the same way.
package netstring

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxSize bounds the length field accepted by Reader, guarding
// against a misbehaving or hostile peer claiming an unbounded payload.
const DefaultMaxSize = 32 * 1024

// FramingError reports a malformed netstring: a non-digit where a
// length was expected, a missing ':' separator, a missing trailing
// ',', or a declared length over the configured limit.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("netstring: %s", e.Reason)
}

// ErrTooLarge's text is included in the *FramingError reason when a
// declared length exceeds the reader's configured maximum. The
// *FramingError does not wrap it, so errors.Is does not match it.
var ErrTooLarge = errors.New("declared length exceeds maximum frame size")

// Compose encodes data as a single netstring: len(data) ':' data ','.
func Compose(data []byte) []byte {
	prefix := fmt.Sprintf("%d:", len(data))
	out := make([]byte, 0, len(prefix)+len(data)+1)
	out = append(out, prefix...)
	out = append(out, data...)
	out = append(out, ',')
	return out
}

// Parse decodes a single complete netstring held entirely in memory
// and returns its payload. It is a convenience wrapper around Reader
// for callers that already have the whole frame buffered, and fails
// if b contains anything beyond the one frame.
func Parse(b []byte) ([]byte, error) {
	br := bufio.NewReader(bytesReader(b))
	r := NewReader(br, DefaultMaxSize)
	payload, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	if _, peekErr := br.Peek(1); peekErr == nil {
		return nil, &FramingError{Reason: "trailing data after netstring"}
	}
	return payload, nil
}

func bytesReader(b []byte) io.Reader {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &sliceReader{b: cp}
}

type sliceReader struct {
	b []byte
	i int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

// Reader decodes a stream of netstrings one frame at a time from an
// underlying io.Reader, reading the decimal length digit by digit
// rather than assuming a fixed-width length prefix.
type Reader struct {
	src     *bufio.Reader
	maxSize int
}

// NewReader wraps r. maxSize <= 0 selects DefaultMaxSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{src: br, maxSize: maxSize}
}

// ReadFrame reads one "len:data," frame and returns data.
//
// If the underlying reader reaches EOF before any digit of the next
// frame's length has been read, ReadFrame returns io.EOF unwrapped so
// callers can distinguish a clean stream shutdown from a frame that
// was cut short, which is reported as a *FramingError whose reason
// describes the short read.
func (r *Reader) ReadFrame() ([]byte, error) {
	length, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if length > r.maxSize {
		return nil, &FramingError{Reason: fmt.Sprintf("%v: %d > %d", ErrTooLarge, length, r.maxSize)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.src, payload); err != nil {
		return nil, &FramingError{Reason: fmt.Sprintf("reading %d-byte payload: %v", length, err)}
	}

	comma, err := r.src.ReadByte()
	if err != nil {
		return nil, &FramingError{Reason: fmt.Sprintf("reading trailing comma: %v", err)}
	}
	if comma != ',' {
		return nil, &FramingError{Reason: fmt.Sprintf("expected ',' terminator, got %q", comma)}
	}
	return payload, nil
}

func (r *Reader) readLength() (int, error) {
	length := 0
	sawDigit := false
	for {
		b, err := r.src.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && !sawDigit {
				return 0, io.EOF
			}
			return 0, &FramingError{Reason: fmt.Sprintf("reading length: %v", err)}
		}
		if b == ':' {
			if !sawDigit {
				return 0, &FramingError{Reason: "empty length field"}
			}
			return length, nil
		}
		if b < '0' || b > '9' {
			return 0, &FramingError{Reason: fmt.Sprintf("non-digit %q in length field", b)}
		}
		sawDigit = true
		length = length*10 + int(b-'0')
		if length > r.maxSize {
			// Keep reading digits until ':' so the stream stays aligned,
			// then report the size violation with the real framing error.
			for {
				nb, nerr := r.src.ReadByte()
				if nerr != nil {
					return 0, &FramingError{Reason: fmt.Sprintf("reading length: %v", nerr)}
				}
				if nb == ':' {
					return 0, &FramingError{Reason: fmt.Sprintf("%v: > %d", ErrTooLarge, r.maxSize)}
				}
				if nb < '0' || nb > '9' {
					return 0, &FramingError{Reason: fmt.Sprintf("non-digit %q in length field", nb)}
				}
			}
		}
	}
}
