package normalize

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
)

// Raw is one input record before normalization. Err is set when the record
// could not be parsed; such records are skipped, not fatal.
type Raw struct {
	Line    int64
	Text    string
	Feature *Feature
	Err     error
}

// FeatureSource yields raw input records. Next returns io.EOF at the end
// and any other error only for failures of the input itself.
type FeatureSource interface {
	Next(ctx context.Context) (Raw, error)
	Close() error
}

// OpenFeatures opens path as a feature source. Shapefiles (.shp) are read
// with their attribute table; anything else is line-delimited GeoJSON,
// gzip or zstd compressed when the name ends in .gz or .zst. "-" reads
// standard input.
func OpenFeatures(path string) (FeatureSource, error) {
	if strings.HasSuffix(strings.ToLower(path), ".shp") {
		return OpenShapefile(path)
	}
	rc, err := openReader(path)
	if err != nil {
		return nil, err
	}
	return NewLineSource(rc), nil
}

func openReader(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: open %s", path)
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, eris.Wrapf(err, "normalize: gzip %s", path)
		}
		return multiCloser{Reader: gr, closers: []io.Closer{gr, f}}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, eris.Wrapf(err, "normalize: zstd %s", path)
		}
		zrc := zr.IOReadCloser()
		return multiCloser{Reader: zrc, closers: []io.Closer{zrc, f}}, nil
	default:
		return f, nil
	}
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// maxLine bounds a single GeoJSON line.
const maxLine = 64 << 20

// recordSeparator prefixes each record in RFC 8142 GeoJSON text sequences.
const recordSeparator = 0x1e

// LineSource reads one GeoJSON feature per line.
type LineSource struct {
	rc   io.ReadCloser
	sc   *bufio.Scanner
	line int64
}

// NewLineSource wraps rc. The source owns rc.
func NewLineSource(rc io.ReadCloser) *LineSource {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &LineSource{rc: rc, sc: sc}
}

func (s *LineSource) Next(ctx context.Context) (Raw, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Raw{}, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return Raw{}, eris.Wrapf(err, "normalize: read line %d", s.line+1)
			}
			return Raw{}, io.EOF
		}
		s.line++

		data := bytes.TrimSpace(bytes.ReplaceAll(s.sc.Bytes(), []byte{recordSeparator}, nil))
		if len(data) == 0 {
			continue
		}

		raw := Raw{Line: s.line, Text: string(data)}
		raw.Feature, raw.Err = ParseFeature(data)
		return raw, nil
	}
}

func (s *LineSource) Close() error { return s.rc.Close() }
