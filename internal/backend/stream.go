// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

package backend

import (
	"fmt"
	"io"
)

// sessionStream adapts an SSH session's stdout/stdin pipes into a
// single io.Reader usable by netstring.Reader, plus a send-all
// WriteFrame that treats a zero-byte write as EOF.
type sessionStream struct {
	r io.Reader
	w io.WriteCloser
}

func newSessionStream(r io.Reader, w io.WriteCloser) *sessionStream {
	return &sessionStream{r: r, w: w}
}

func (s *sessionStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// WriteFrame writes all of frame, looping over short writes. A write
// that reports 0 bytes with no error is treated as io.EOF.
func (s *sessionStream) WriteFrame(frame []byte) error {
	for len(frame) > 0 {
		n, err := s.w.Write(frame)
		if err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
		if n == 0 {
			return io.EOF
		}
		frame = frame[n:]
	}
	return nil
}

func (s *sessionStream) Close() error {
	return s.w.Close()
}
