package errsink

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
)

// File writes one JSON entry per line.
type File struct {
	mu   sync.Mutex
	f    *os.File
	comp io.WriteCloser
	buf  *bufio.Writer
	enc  *json.Encoder
}

// OpenFile creates path, truncating it. Paths ending in .zst are zstd
// compressed and paths ending in .gz are gzip compressed.
func OpenFile(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "errsink: create %s", path)
	}

	s := &File{f: f}
	var w io.Writer = f
	switch {
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, eris.Wrap(err, "errsink: zstd writer")
		}
		s.comp, w = zw, zw
	case strings.HasSuffix(path, ".gz"):
		gw := gzip.NewWriter(f)
		s.comp, w = gw, gw
	}
	s.buf = bufio.NewWriter(w)
	s.enc = json.NewEncoder(s.buf)
	s.enc.SetEscapeHTML(false)
	return s, nil
}

func (s *File) Report(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(stamp(e)); err != nil {
		return eris.Wrap(err, "errsink: write entry")
	}
	return nil
}

// Close flushes buffered entries and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return eris.Wrap(err, "errsink: flush")
	}
	if s.comp != nil {
		if err := s.comp.Close(); err != nil {
			s.f.Close()
			return eris.Wrap(err, "errsink: close compressor")
		}
	}
	return eris.Wrap(s.f.Close(), "errsink: close file")
}

// ReadFile decodes every entry of a file written by File.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "errsink: open %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, eris.Wrap(err, "errsink: zstd reader")
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, eris.Wrap(err, "errsink: gzip reader")
		}
		defer gr.Close()
		r = gr
	}

	var out []Entry
	dec := json.NewDecoder(r)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, eris.Wrap(err, "errsink: decode entry")
		}
		out = append(out, e)
	}
}
