// Package csvparser reads sign-in CSV exports row by row.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/schema"
)

// ErrFieldCount is returned for a data row whose column count differs from the header.
var ErrFieldCount = errors.New("wrong number of fields")

// ErrNoHeader is returned for an empty file.
var ErrNoHeader = errors.New("file has no header row")

// Reader streams data rows from a CSV export.
type Reader struct {
	csv    *csv.Reader
	src    *recorder
	closer io.Closer
	header []string
	keys   []string
	row    int
}

// Open opens path and reads its header row.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads the header row from src. NUL bytes are stripped from the
// stream and a leading byte order mark is dropped from the first header.
func NewReader(src io.Reader) (*Reader, error) {
	rec := &recorder{r: newNullStripper(src)}
	cr := csv.NewReader(rec)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1 // checked per row against the header

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	rec.take(cr.InputOffset())

	return &Reader{
		csv:    cr,
		src:    rec,
		header: header,
		keys:   schema.NormalizeHeaders(header),
	}, nil
}

// Header returns the header row as written in the file.
func (r *Reader) Header() []string {
	out := make([]string, len(r.header))
	copy(out, r.header)
	return out
}

// Next returns the next data row, or io.EOF when the file is exhausted.
// A malformed row is returned together with a non-nil error so the caller can
// record it and keep reading.
func (r *Reader) Next() (*model.RawRow, error) {
	for {
		fields, err := r.csv.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		raw := r.src.take(r.csv.InputOffset())
		r.row++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return &model.RawRow{Number: r.row, Raw: raw}, err
			}
			return nil, fmt.Errorf("reading row %d: %w", r.row, err)
		}

		if isBlank(fields) {
			r.row--
			continue
		}

		row := &model.RawRow{Number: r.row, Raw: raw}
		if len(fields) != len(r.keys) {
			return row, fmt.Errorf("%w: got %d, header has %d", ErrFieldCount, len(fields), len(r.keys))
		}

		row.Values = make(map[string]string, len(fields))
		for i, v := range fields {
			row.Values[r.keys[i]] = v
		}
		return row, nil
	}
}

// Close releases the underlying file, if Open created one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Write writes a header and rows as CSV to w.
func Write(w io.Writer, header []string, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteFile writes a header and rows to a new CSV file at path.
func WriteFile(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	if err := Write(f, header, rows); err != nil {
		return err
	}
	return f.Close()
}

// isBlank reports whether a record is an empty line.
func isBlank(fields []string) bool {
	return len(fields) == 1 && strings.TrimSpace(fields[0]) == ""
}

// recorder keeps the bytes the CSV reader has consumed so each record's
// original text, quoting included, can be cut out by input offset.
type recorder struct {
	r    io.Reader
	buf  []byte
	base int64 // input offset of buf[0]
}

func (rc *recorder) Read(p []byte) (int, error) {
	n, err := rc.r.Read(p)
	rc.buf = append(rc.buf, p[:n]...)
	return n, err
}

// take returns the text up to offset that has not been taken yet, without
// surrounding line breaks, and discards it.
func (rc *recorder) take(offset int64) string {
	n := int(offset - rc.base)
	if n <= 0 {
		return ""
	}
	if n > len(rc.buf) {
		n = len(rc.buf)
	}
	raw := strings.Trim(string(rc.buf[:n]), "\r\n")
	rc.buf = append(rc.buf[:0], rc.buf[n:]...)
	rc.base += int64(n)
	return raw
}

// nullStripper wraps a reader and strips null bytes from the stream.
// Exports re-saved as UTF-16 and converted badly are littered with them.
type nullStripper struct {
	r io.Reader
}

func newNullStripper(r io.Reader) io.Reader {
	return &nullStripper{r: r}
}

func (ns *nullStripper) Read(p []byte) (int, error) {
	n, err := ns.r.Read(p)
	if n > 0 {
		cleaned := strings.ReplaceAll(string(p[:n]), "\x00", "")
		copy(p, cleaned)
		n = len(cleaned)
	}
	return n, err
}
