package jsonrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single newline-delimited frame. Oversized frames are
// a protocol violation, not a reason to grow buffers without limit.
const maxFrameBytes = 16 * 1024 * 1024

// FrameReader reads newline-delimited JSON-RPC frames from a byte stream.
type FrameReader struct {
	s *bufio.Scanner
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &FrameReader{s: s}
}

// Next returns the raw bytes of the next frame. It returns io.EOF when the
// stream ends cleanly. Blank lines are skipped.
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.s.Scan() {
		line := fr.s.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; callers keep the frame across reads.
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := fr.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// FrameWriter serializes newline-delimited JSON-RPC frames onto a byte
// stream. Writes are serialized; a frame is never interleaved with another.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w for frame-at-a-time writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame marshals v and writes it as a single newline-terminated frame.
func (fw *FrameWriter) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
