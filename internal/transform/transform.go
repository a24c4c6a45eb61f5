// Package transform turns one raw export row into a canonical sign-in record.
package transform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/schema"
)

// ErrNoActor is returned for rows that carry neither a user principal name nor
// a service principal id.
var ErrNoActor = errors.New("row has no user principal name or service principal id")

// RowError describes why a single row could not be transformed.
type RowError struct {
	Row   int
	Field string
	Value string
	Err   error
}

func (e *RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("row %d: field %s (%q): %v", e.Row, e.Field, e.Value, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Options control the parts of transformation that are policy, not format.
type Options struct {
	// LegacyDateOrder fixes how "3/12/2025" is read in legacy portal exports.
	LegacyDateOrder DateOrder

	// LegacyLocation is the zone legacy timestamps are written in.
	LegacyLocation *time.Location
}

// Transformer converts rows for any registered layout.
type Transformer struct {
	opts Options
}

// New validates opts and returns a Transformer. A zero DateOrder means day-first.
func New(opts Options) (*Transformer, error) {
	if opts.LegacyDateOrder == "" {
		opts.LegacyDateOrder = DayFirst
	}
	if _, err := ParseDateOrder(string(opts.LegacyDateOrder)); err != nil {
		return nil, err
	}
	if opts.LegacyLocation == nil {
		opts.LegacyLocation = time.UTC
	}
	return &Transformer{opts: opts}, nil
}

// timestampParsers is the per-format lookup table used by Row.
var timestampParsers = map[schema.TimestampFormat]func(*Transformer, string) (time.Time, error){
	schema.TimestampISO8601: func(_ *Transformer, s string) (time.Time, error) { return ParseISO8601(s) },
	schema.TimestampLegacy: func(t *Transformer, s string) (time.Time, error) {
		return ParseLegacy(s, t.opts.LegacyDateOrder, t.opts.LegacyLocation)
	},
}

// Row maps one row (keyed by normalized header) onto a SignIn.
// rowNum is the 1-based data row number and is kept as provenance.
func (t *Transformer) Row(def *schema.Definition, row map[string]string, rowNum int) (*model.SignIn, error) {
	get := func(field string) string {
		col, ok := def.Column(field)
		if !ok {
			return ""
		}
		return strings.TrimSpace(row[col])
	}
	fail := func(field, value string, err error) error {
		return &RowError{Row: rowNum, Field: field, Value: value, Err: err}
	}

	rec := &model.SignIn{
		SignInType:           def.BaseType,
		UserPrincipalName:    get(schema.FieldUserPrincipalName),
		UserDisplayName:      get(schema.FieldUserDisplayName),
		UserID:               get(schema.FieldUserID),
		ServicePrincipalID:   get(schema.FieldServicePrincipalID),
		ServicePrincipalName: get(schema.FieldServicePrincipalName),
		ManagedIdentityType:  get(schema.FieldManagedIdentityType),
		AppID:                get(schema.FieldAppID),
		AppName:              get(schema.FieldAppName),
		ResourceID:           get(schema.FieldResourceID),
		ResourceName:         get(schema.FieldResourceName),
		ClientApp:            get(schema.FieldClientApp),
		UserAgent:            get(schema.FieldUserAgent),
		IPAddress:            get(schema.FieldIPAddress),
		FailureReason:        get(schema.FieldFailureReason),
		ConditionalAccess:    get(schema.FieldConditionalAccess),
		MFAResult:            get(schema.FieldMFAResult),
		MFAMethod:            get(schema.FieldMFAMethod),
		AuthRequirement:      get(schema.FieldAuthRequirement),
		DeviceID:             get(schema.FieldDeviceID),
		OperatingSystem:      get(schema.FieldOperatingSystem),
		Browser:              get(schema.FieldBrowser),
		JoinType:             get(schema.FieldJoinType),
		RequestID:            get(schema.FieldRequestID),
		CorrelationID:        get(schema.FieldCorrelationID),
		SourceVariant:        def.Variant,
		SourceRow:            rowNum,
	}

	raw := get(schema.FieldTimestamp)
	ts, err := timestampParsers[def.Timestamp](t, raw)
	if err != nil {
		return nil, fail(schema.FieldTimestamp, raw, err)
	}
	rec.Timestamp = ts

	switch def.Location {
	case schema.LocationCombined:
		rec.City, rec.State, rec.Country = SplitLocation(get(schema.FieldLocation))
	default:
		rec.City, rec.State, rec.Country = get(schema.FieldCity), get(schema.FieldState), get(schema.FieldCountry)
	}

	code := get(schema.FieldErrorCode)
	if rec.ErrorCode, err = ParseInt(code); err != nil {
		return nil, fail(schema.FieldErrorCode, code, err)
	}

	latency := get(schema.FieldLatency)
	if rec.LatencyMS, err = ParseLatency(latency); err != nil {
		return nil, fail(schema.FieldLatency, latency, err)
	}

	status := get(schema.FieldStatus)
	if rec.Status, rec.Success, err = ParseStatus(status, rec.ErrorCode); err != nil {
		return nil, fail(schema.FieldStatus, status, err)
	}

	compliant := get(schema.FieldCompliant)
	if rec.DeviceCompliant, err = ParseBool(compliant); err != nil {
		return nil, fail(schema.FieldCompliant, compliant, err)
	}
	managed := get(schema.FieldManaged)
	if rec.DeviceManaged, err = ParseBool(managed); err != nil {
		return nil, fail(schema.FieldManaged, managed, err)
	}

	if err := classifyActor(rec); err != nil {
		return nil, fail("", "", err)
	}

	rec.DedupKey = DedupKey(rec)
	return rec, nil
}

// classifyActor settles the sign-in type and enforces that exactly one of UPN
// or service principal id is populated.
func classifyActor(rec *model.SignIn) error {
	if rec.SignInType.IsWorkload() {
		clearUser(rec)
		if rec.ServicePrincipalID == "" {
			return ErrNoActor
		}
		return nil
	}

	switch {
	case rec.UserPrincipalName != "":
		rec.ServicePrincipalID = ""
		rec.ServicePrincipalName = ""
	case rec.ServicePrincipalID != "":
		rec.SignInType = model.SignInServicePrincipal
		clearUser(rec)
	default:
		return ErrNoActor
	}
	return nil
}

func clearUser(rec *model.SignIn) {
	rec.UserPrincipalName = ""
	rec.UserDisplayName = ""
	rec.UserID = ""
}
