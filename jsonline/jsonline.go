// Package jsonline reads JSON-lines log files with stable line offsets.
//
// Files may be plain text, gzip-compressed, or bzip2-compressed;
// compression is recognized by file extension, the way the honeypot's
// logrotate configuration produces them. Offsets are 0-based line
// numbers and are stable across re-reads of the same file generation,
// which is what the ingest cursor keys on.
package jsonline

import (
	"bufio"
	"compress/bzip2"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrMalformed is reported on a Line (not returned from Next) via the
// Malformed member; it exists as a sentinel for callers that want to
// errors.Is against a decode failure they surfaced elsewhere.
var ErrMalformed = errors.New("jsonline: malformed document")

// MalformedKey is the payload key under which the raw text of an
// undecodable line is preserved.
const MalformedKey = "malformed"

// Line is one document read from a log file.
type Line struct {
	// Payload is the decoded document. For malformed lines it is
	// exactly {"malformed": <raw text>}.
	Payload map[string]any
	// Raw is the original line text. Only populated for malformed
	// lines.
	Raw       string
	Offset    int64
	Malformed bool
}

// Options controls reading.
type Options struct {
	// Pretty enables parsing of concatenated, possibly multi-line
	// JSON objects instead of one document per line. Offsets then
	// count documents, not lines.
	Pretty bool
	// MaxLineBytes bounds a single line. Defaults to 1 MiB.
	MaxLineBytes int
}

const defaultMaxLine = 1 << 20

// Reader produces the lazy (offset, payload) sequence for one file.
type Reader struct {
	f      *os.File
	body   io.Reader
	sc     *bufio.Scanner
	dec    *json.Decoder
	opts   Options
	offset int64
}

// Open opens the named file, stacking a decompressor if the extension
// calls for one.
func Open(_ context.Context, name string, opts Options) (*Reader, error) {
	if opts.MaxLineBytes == 0 {
		opts.MaxLineBytes = defaultMaxLine
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	var body io.Reader = f
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz", ".gzip":
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		body = gz
	case ".bz2", ".bzip2":
		body = bzip2.NewReader(f)
	}
	r := &Reader{f: f, body: body, opts: opts, offset: -1}
	if opts.Pretty {
		dec := json.NewDecoder(body)
		dec.UseNumber()
		r.dec = dec
	} else {
		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 64*1024), opts.MaxLineBytes)
		r.sc = sc
	}
	return r, nil
}

// Next returns the next document. io.EOF signals a clean end of file.
func (r *Reader) Next(ctx context.Context) (Line, error) {
	if err := ctx.Err(); err != nil {
		return Line{}, err
	}
	if r.opts.Pretty {
		return r.nextPretty()
	}
	for r.sc.Scan() {
		txt := strings.TrimSpace(r.sc.Text())
		if txt == "" {
			continue
		}
		r.offset++
		return decodeLine(txt, r.offset), nil
	}
	if err := r.sc.Err(); err != nil {
		return Line{}, err
	}
	return Line{}, io.EOF
}

func (r *Reader) nextPretty() (Line, error) {
	var payload map[string]any
	switch err := r.dec.Decode(&payload); {
	case err == nil:
		r.offset++
		return Line{Payload: payload, Offset: r.offset}, nil
	case errors.Is(err, io.EOF):
		return Line{}, io.EOF
	default:
		// A decode error in concatenated mode poisons the rest of
		// the stream; surface what remains as one malformed line.
		rest, _ := io.ReadAll(io.MultiReader(r.dec.Buffered(), r.body))
		r.offset++
		l := decodeLine(strings.TrimSpace(string(rest)), r.offset)
		l.Malformed = true
		return l, nil
	}
}

func decodeLine(txt string, offset int64) Line {
	dec := json.NewDecoder(strings.NewReader(txt))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return Line{
			Payload:   map[string]any{MalformedKey: txt},
			Raw:       txt,
			Offset:    offset,
			Malformed: true,
		}
	}
	// Trailing garbage after a valid document is still malformed.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Line{
			Payload:   map[string]any{MalformedKey: txt},
			Raw:       txt,
			Offset:    offset,
			Malformed: true,
		}
	}
	return Line{Payload: payload, Offset: offset}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Inode reports the inode of the opened file, used for rotation
// detection. On platforms without inode semantics it reports 0.
func (r *Reader) Inode() (uint64, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return inode(fi), nil
}

// StatInode reports the inode of the named file without holding it
// open.
func StatInode(name string) (uint64, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return inode(fi), nil
}
