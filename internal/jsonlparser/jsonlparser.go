// Package jsonlparser reads Microsoft Graph sign-in JSON exports and flattens
// each record onto the column headers used by the CSV exports.
//
// Three shapes are accepted: a JSON array of sign-in objects, a Graph response
// page of the form {"value": [...]}, and JSON Lines with one object per line.
package jsonlparser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/schema"
)

var (
	// ErrNotJSON is returned when the file does not start with '[' or '{'.
	ErrNotJSON = errors.New("not a JSON sign-in export")

	// ErrNoRecords is returned for an export without any sign-in objects.
	ErrNoRecords = errors.New("export contains no sign-in records")

	// ErrMalformed marks a single record that could not be decoded.
	ErrMalformed = errors.New("malformed JSON record")
)

// columnPaths maps dotted Graph property paths onto export column headers.
var columnPaths = map[string]string{
	"createdDateTime":              schema.ColDateUTC,
	"id":                           schema.ColRequestID,
	"correlationId":                schema.ColCorrelationID,
	"userId":                       schema.ColUserID,
	"userDisplayName":              schema.ColUser,
	"userPrincipalName":            schema.ColUsername,
	"appDisplayName":               schema.ColApplication,
	"appId":                        schema.ColApplicationID,
	"resourceDisplayName":          schema.ColResource,
	"resourceId":                   schema.ColResourceID,
	"ipAddress":                    schema.ColIPAddress,
	"location.city":                schema.ColCity,
	"location.state":               schema.ColState,
	"location.countryOrRegion":     schema.ColCountry,
	"status.errorCode":             schema.ColErrorCode,
	"status.failureReason":         schema.ColFailureReason,
	"clientAppUsed":                schema.ColClientApp,
	"userAgent":                    schema.ColUserAgent,
	"deviceDetail.deviceId":        schema.ColDeviceID,
	"deviceDetail.browser":         schema.ColBrowser,
	"deviceDetail.operatingSystem": schema.ColOperatingSystem,
	"deviceDetail.isCompliant":     schema.ColCompliant,
	"deviceDetail.isManaged":       schema.ColManaged,
	"deviceDetail.trustType":       schema.ColJoinType,
	"mfaDetail.authMethod":         schema.ColMFAMethod,
	"mfaDetail.authDetail":         schema.ColMFAResult,
	"authenticationRequirement":    schema.ColAuthRequirement,
	"conditionalAccessStatus":      schema.ColConditionalAccess,
	"processingTimeInMilliseconds": schema.ColLatency,
}

// identityPaths only produce a column when they carry a value. Graph returns
// these properties on every record, and emitting empty ones would make user
// sign-ins look like workload sign-ins to the detector.
var identityPaths = map[string]string{
	"servicePrincipalId":   schema.ColServicePrincipalID,
	"servicePrincipalName": schema.ColServicePrincipalName,
	"managedIdentityType":  schema.ColManagedIdentityType,
}

// eventTypeVariants maps Graph signInEventTypes values onto layouts.
var eventTypeVariants = map[string]model.Variant{
	"interactiveuser":    model.VariantGraphInteractive,
	"noninteractiveuser": model.VariantGraphNonInteractive,
	"serviceprincipal":   model.VariantGraphServicePrincipal,
	"managedidentity":    model.VariantGraphManagedIdentity,
}

// Reader streams flattened records from a JSON export.
type Reader struct {
	next    func() (json.RawMessage, error)
	closer  io.Closer
	header  []string
	hint    model.Variant
	pending *model.RawRow
	row     int
}

// Open opens path and reads its first record to establish the header.
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

// NewReader sniffs the shape of src and reads its first record.
func NewReader(src io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(src, 1024*1024)
	if err := skipPreamble(br); err != nil {
		return nil, err
	}

	first, err := br.Peek(1)
	if err != nil {
		return nil, ErrNoRecords
	}

	r := &Reader{}
	switch first[0] {
	case '[':
		r.next, err = arrayRecords(br)
	case '{':
		r.next, err = objectRecords(br)
	default:
		return nil, ErrNotJSON
	}
	if err != nil {
		return nil, err
	}

	raw, err := r.next()
	if err == io.EOF {
		return nil, ErrNoRecords
	}
	if err != nil {
		return nil, fmt.Errorf("reading first record: %w", err)
	}
	values, hint, err := flatten(raw)
	if err != nil {
		return nil, fmt.Errorf("reading first record: %w", err)
	}

	r.row = 1
	r.hint = hint
	r.header = make([]string, 0, len(values))
	for k := range values {
		r.header = append(r.header, k)
	}
	sort.Strings(r.header)
	r.pending = &model.RawRow{Number: 1, Values: values, Raw: string(raw)}
	return r, nil
}

// Header returns the column headers present on the first record.
func (r *Reader) Header() []string {
	out := make([]string, len(r.header))
	copy(out, r.header)
	return out
}

// Hint returns the layout named by the first record's sign-in event type, or
// VariantUnknown when the export does not say.
func (r *Reader) Hint() model.Variant {
	return r.hint
}

// Next returns the next record, or io.EOF when the export is exhausted.
// A record that cannot be decoded is returned with a non-nil error.
func (r *Reader) Next() (*model.RawRow, error) {
	if r.pending != nil {
		row := r.pending
		r.pending = nil
		return row, nil
	}

	raw, err := r.next()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil && raw == nil {
		return nil, err
	}
	r.row++
	row := &model.RawRow{Number: r.row, Raw: string(raw)}
	if err != nil {
		return row, err
	}

	values, _, err := flatten(raw)
	if err != nil {
		return row, err
	}
	row.Values = values
	return row, nil
}

// Close releases the underlying file, if Open created one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// skipPreamble discards a byte order mark and leading whitespace.
func skipPreamble(br *bufio.Reader) error {
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xef, 0xbb, 0xbf}) {
		if _, err := br.Discard(3); err != nil {
			return err
		}
	}
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return ErrNoRecords
		}
		if err != nil {
			return err
		}
		if !isSpace(b) {
			return br.UnreadByte()
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// arrayRecords streams the elements of a top-level JSON array.
func arrayRecords(br *bufio.Reader) (func() (json.RawMessage, error), error) {
	dec := json.NewDecoder(br)
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("reading array: %w", err)
	}
	return func() (json.RawMessage, error) {
		if !dec.More() {
			return nil, io.EOF
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding array element: %w", err)
		}
		return raw, nil
	}, nil
}

// objectRecords handles documents that start with '{'. If the first line is a
// complete object the file is JSON Lines, unless that object is a Graph page.
// Otherwise the whole document is a single pretty-printed object.
func objectRecords(br *bufio.Reader) (func() (json.RawMessage, error), error) {
	line, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	line = bytes.TrimSpace(line)

	if json.Valid(line) {
		if items, ok, err := pageValues(line); err != nil {
			return nil, err
		} else if ok {
			return sliceRecords(items), nil
		}
		return lineRecords(br, line), nil
	}

	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	doc := append(append(line, '\n'), rest...)
	if !json.Valid(doc) {
		return nil, ErrNotJSON
	}
	items, ok, err := pageValues(doc)
	if err != nil {
		return nil, err
	}
	if ok {
		return sliceRecords(items), nil
	}
	return sliceRecords([]json.RawMessage{doc}), nil
}

// pageValues extracts the "value" array of a Graph response page.
func pageValues(doc []byte) ([]json.RawMessage, bool, error) {
	var page map[string]json.RawMessage
	if err := json.Unmarshal(doc, &page); err != nil {
		return nil, false, err
	}
	value, ok := page["value"]
	if !ok || len(value) == 0 || value[0] != '[' {
		return nil, false, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		return nil, false, fmt.Errorf("decoding value array: %w", err)
	}
	return items, true, nil
}

func sliceRecords(items []json.RawMessage) func() (json.RawMessage, error) {
	i := 0
	return func() (json.RawMessage, error) {
		if i >= len(items) {
			return nil, io.EOF
		}
		i++
		return items[i-1], nil
	}
}

// lineRecords yields first and then every following non-blank line.
func lineRecords(br *bufio.Reader, first []byte) func() (json.RawMessage, error) {
	pending := first
	return func() (json.RawMessage, error) {
		if pending != nil {
			line := pending
			pending = nil
			return line, nil
		}
		for {
			line, err := br.ReadBytes('\n')
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				if !json.Valid(line) {
					return line, ErrMalformed
				}
				return line, nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

// flatten converts one Graph sign-in object into column values.
func flatten(raw json.RawMessage) (map[string]string, model.Variant, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, model.VariantUnknown, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	values := make(map[string]string, len(columnPaths)+2)
	for path, col := range columnPaths {
		if v, ok := lookup(obj, path); ok {
			values[col] = scalar(v)
		}
	}
	for path, col := range identityPaths {
		v, _ := lookup(obj, path)
		if s := scalar(v); s != "" && !strings.EqualFold(s, "none") {
			values[col] = s
		}
	}

	if _, ok := obj["status"]; ok {
		values[schema.ColStatus] = "Success"
		if code := values[schema.ColErrorCode]; code != "" && code != "0" {
			values[schema.ColStatus] = "Failure"
		}
	}

	return values, eventVariant(obj), nil
}

// lookup walks a dotted path through nested objects.
func lookup(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func eventVariant(obj map[string]any) model.Variant {
	if types, ok := obj["signInEventTypes"].([]any); ok {
		for _, t := range types {
			if s, ok := t.(string); ok {
				if v, ok := eventTypeVariants[strings.ToLower(s)]; ok {
					return v
				}
			}
		}
	}
	if b, ok := obj["isInteractive"].(bool); ok {
		if b {
			return model.VariantGraphInteractive
		}
		return model.VariantGraphNonInteractive
	}
	return model.VariantUnknown
}
