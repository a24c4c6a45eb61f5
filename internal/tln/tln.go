// Package tln reads and writes the pipe-delimited TLN and L2TTLN timeline
// formats, so timeline events can be merged into a host super-timeline.
package tln

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cdtdelta/m365ir/internal/model"
)

// Format is one of the two line layouts.
type Format string

const (
	FormatTLN    Format = "tln"
	FormatL2TTLN Format = "l2ttln"
)

const (
	headerTLN    = "Time|Source|Host|User|Description"
	headerL2TTLN = "Time|Source|Host|User|Description|TZ|Notes"
)

// Source is written in the source column of every exported line.
const Source = "M365"

// ParseFormat accepts "tln" or "l2ttln" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTLN, FormatL2TTLN:
		return f, nil
	case "":
		return FormatL2TTLN, nil
	}
	return "", fmt.Errorf("unknown timeline format %q (want tln or l2ttln)", s)
}

func (f Format) fields() int {
	if f == FormatTLN {
		return 5
	}
	return 7
}

func (f Format) header() string {
	if f == FormatTLN {
		return headerTLN
	}
	return headerL2TTLN
}

// Record is one timeline line. The description column is written as
// "datetime; action; message".
type Record struct {
	Time    time.Time
	Source  string
	Host    string
	User    string
	Action  string
	Message string
	TZ      string
	Notes   string
}

// FromEvent converts a timeline event. The host column carries the client IP
// since cloud sign-ins have no originating host.
func FromEvent(ev *model.TimelineEvent) Record {
	msg := ev.SeverityName
	if ev.Phase != "" && ev.Phase != model.PhaseUnclassified {
		msg += " " + string(ev.Phase)
	}
	msg += ": " + ev.Description

	notes := fmt.Sprintf("event %d; rule %s", ev.ID, ev.Rule)
	if ev.Excluded {
		notes += "; excluded: " + ev.ExcludedReason
	}
	return Record{
		Time:    ev.Timestamp,
		Source:  Source,
		Host:    ev.IPAddress,
		User:    ev.Actor,
		Action:  ev.Action,
		Message: msg,
		TZ:      "UTC",
		Notes:   notes,
	}
}

// Writer writes records in one format, header first.
type Writer struct {
	w       *bufio.Writer
	format  Format
	started bool
}

// NewWriter returns a Writer for f.
func NewWriter(w io.Writer, f Format) *Writer {
	return &Writer{w: bufio.NewWriter(w), format: f}
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	if !w.started {
		w.started = true
		if _, err := w.w.WriteString(w.format.header() + "\n"); err != nil {
			return err
		}
	}
	desc := r.Time.UTC().Format(time.RFC3339) + "; " + r.Action + "; " + r.Message
	fields := []string{
		strconv.FormatInt(r.Time.Unix(), 10),
		r.Source,
		r.Host,
		r.User,
		desc,
	}
	if w.format == FormatL2TTLN {
		fields = append(fields, orDash(r.TZ), orDash(r.Notes))
	}
	for i, f := range fields {
		fields[i] = clean(f)
	}
	_, err := w.w.WriteString(strings.Join(fields, "|") + "\n")
	return err
}

// Flush writes any buffered data. An empty export still gets its header.
func (w *Writer) Flush() error {
	if !w.started {
		w.started = true
		if _, err := w.w.WriteString(w.format.header() + "\n"); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// clean keeps a value on one line and inside its column.
var cleaner = strings.NewReplacer("|", "/", "\r", " ", "\n", " ")

func clean(s string) string {
	return cleaner.Replace(s)
}

// ReadResult is the outcome of Read.
type ReadResult struct {
	Records  []Record
	Format   Format
	Excluded int
}

// Read parses TLN or L2TTLN input. The format comes from the header line, or
// from the field count of the first line when there is no header. Lines with
// an unparseable time are counted in Excluded and skipped.
func Read(r io.Reader) (*ReadResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	res := &ReadResult{}
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if res.Format == "" {
			switch line {
			case headerL2TTLN:
				res.Format = FormatL2TTLN
				continue
			case headerTLN:
				res.Format = FormatTLN
				continue
			}
			switch n := len(strings.Split(line, "|")); n {
			case 7:
				res.Format = FormatL2TTLN
			case 5:
				res.Format = FormatTLN
			default:
				return nil, fmt.Errorf("line %d: expected 5 or 7 pipe-delimited fields, got %d", lineNum, n)
			}
		}

		n := res.Format.fields()
		parts := strings.SplitN(line, "|", n)
		for len(parts) < n {
			parts = append(parts, "")
		}
		rec, err := parseLine(parts, res.Format)
		if err != nil {
			res.Excluded++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading timeline: %w", err)
	}
	if res.Format == "" {
		return nil, fmt.Errorf("empty timeline")
	}
	return res, nil
}

func parseLine(parts []string, f Format) (Record, error) {
	epoch, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp: %s", parts[0])
	}
	rec := Record{
		Time:   time.Unix(epoch, 0).UTC(),
		Source: strings.TrimSpace(parts[1]),
		Host:   strings.TrimSpace(parts[2]),
		User:   strings.TrimSpace(parts[3]),
		TZ:     "UTC",
	}

	desc := strings.TrimSpace(parts[4])
	rec.Message = desc
	if dp := strings.SplitN(desc, ";", 3); len(dp) == 3 {
		rec.Action = strings.TrimSpace(dp[1])
		rec.Message = strings.TrimSpace(dp[2])
	}

	if f == FormatL2TTLN {
		if tz := strings.TrimSpace(parts[5]); tz != "" && tz != "-" {
			rec.TZ = tz
		}
		if notes := strings.TrimSpace(parts[6]); notes != "-" {
			rec.Notes = notes
		}
	}
	return rec, nil
}

// Verify reads an export back and checks that it is in format and holds
// exactly want records, all with valid times.
func Verify(r io.Reader, format Format, want int) error {
	res, err := Read(r)
	if err != nil {
		return fmt.Errorf("reading back export: %w", err)
	}
	if res.Format != format {
		return fmt.Errorf("export reads back as %s, want %s", res.Format, format)
	}
	if len(res.Records) != want || res.Excluded > 0 {
		return fmt.Errorf("export reads back %d record(s) and %d bad line(s), want %d records",
			len(res.Records), res.Excluded, want)
	}
	return nil
}
