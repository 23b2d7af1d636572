// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package netstring

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestComposeParseRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("hello"),
		[]byte(`{"type":"feedback","mid":"abc","status":200}`),
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, c := range cases {
		framed := Compose(c)
		got, err := Parse(framed)
		if err != nil {
			t.Fatalf("Parse(Compose(%q)): %v", c, err)
		}
		if !bytes.Equal(got, c) {
			t.Fatalf("round trip mismatch: got %q want %q", got, c)
		}
	}
}

func TestComposeWireFormat(t *testing.T) {
	got := Compose([]byte("hi"))
	want := "2:hi,"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestReaderStreamsMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Compose([]byte("one")))
	buf.Write(Compose([]byte("two")))
	buf.Write(Compose([]byte("")))

	r := NewReader(bufio.NewReader(&buf), DefaultMaxSize)

	for _, want := range []string{"one", "two", ""} {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}

	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at stream end, got %v", err)
	}
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	r := NewReader(strings.NewReader("100:short,"), 10)
	_, err := r.ReadFrame()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError, got %v", err)
	}
}

func TestReaderRejectsNonDigitLength(t *testing.T) {
	r := NewReader(strings.NewReader("a:x,"), DefaultMaxSize)
	_, err := r.ReadFrame()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError, got %v", err)
	}
}

func TestReaderRejectsMissingComma(t *testing.T) {
	r := NewReader(strings.NewReader("3:abcX"), DefaultMaxSize)
	_, err := r.ReadFrame()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError, got %v", err)
	}
}

func TestReaderDistinguishesCleanEOFFromTruncation(t *testing.T) {
	r := NewReader(strings.NewReader(""), DefaultMaxSize)
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}

	r2 := NewReader(strings.NewReader("10:abc"), DefaultMaxSize)
	_, err := r2.ReadFrame()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError on truncated payload, got %v", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte("3:abc,extra"))
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError for trailing data, got %v", err)
	}
}
