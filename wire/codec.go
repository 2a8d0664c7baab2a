package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// Encoder writes one JSON frame per line. It is not safe for concurrent
// use; each channel endpoint owns exactly one encoder.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads line-delimited JSON frames. Decode returns io.EOF once
// the underlying stream is closed.
type Decoder struct {
	s *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	return &Decoder{s: s}
}

func (d *Decoder) Decode(v any) error {
	if !d.s.Scan() {
		if err := d.s.Err(); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		return io.EOF
	}
	if err := sonic.Unmarshal(d.s.Bytes(), v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
