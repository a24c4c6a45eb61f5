// Package seeder writes synthetic sign-in exports in any known layout. It is
// used to rehearse imports and by tests that need realistic input files.
package seeder

import (
	"fmt"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/cdtdelta/m365ir/internal/csvparser"
	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/schema"
)

// Event is one synthetic sign-in before it is rendered into a layout.
type Event struct {
	Time          time.Time
	RequestID     string
	CorrelationID string

	UPN         string
	DisplayName string
	UserID      string

	ServicePrincipalID   string
	ServicePrincipalName string
	ManagedIdentityType  string

	App       string
	AppID     string
	Resource  string
	ClientApp string
	UserAgent string

	IP      string
	City    string
	State   string
	Country string

	Success       bool
	ErrorCode     int
	FailureReason string
	MFAResult     string
	LatencyMS     int
}

// Generator produces Events from a seeded faker, so equal seeds give equal files.
type Generator struct {
	faker *gofakeit.Faker
	users []string
}

// New returns a Generator. A zero seed picks a random one.
func New(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// WithUsers restricts generated user sign-ins to the given UPNs.
func (g *Generator) WithUsers(upns ...string) *Generator {
	g.users = upns
	return g
}

var (
	apps       = []string{"Office 365 Exchange Online", "Microsoft Teams", "Office 365 SharePoint Online", "Azure Portal"}
	clientApps = []string{"Browser", "Mobile Apps and Desktop clients", "Exchange ActiveSync", "IMAP4"}
	miTypes    = []string{"systemAssigned", "userAssigned"}
)

// Event returns a random sign-in at t. Roughly one in five is a failure.
func (g *Generator) Event(t time.Time) Event {
	f := g.faker
	upn := f.Email()
	if len(g.users) > 0 {
		upn = f.RandomString(g.users)
	}
	e := Event{
		Time:          t.UTC(),
		RequestID:     f.UUID(),
		CorrelationID: f.UUID(),
		UPN:           upn,
		DisplayName:   f.Name(),
		UserID:        f.UUID(),
		App:           f.RandomString(apps),
		AppID:         f.UUID(),
		Resource:      "Microsoft Graph",
		ClientApp:     f.RandomString(clientApps[:2]),
		UserAgent:     f.UserAgent(),
		IP:            f.IPv4Address(),
		City:          f.City(),
		State:         f.State(),
		Country:       f.CountryAbr(),
		Success:       f.Number(1, 5) > 1,
		MFAResult:     "MFA requirement satisfied by claim in the token",
		LatencyMS:     f.Number(20, 900),
	}
	if !e.Success {
		e.ErrorCode = 50126
		e.FailureReason = "Invalid username or password or Invalid on-premise username or password."
	}
	return e
}

// Workload returns a random service principal sign-in at t, or a managed
// identity sign-in when managed is set.
func (g *Generator) Workload(t time.Time, managed bool) Event {
	e := g.Event(t)
	e.UPN, e.DisplayName, e.UserID = "", "", ""
	e.ServicePrincipalID = g.faker.UUID()
	e.ServicePrincipalName = g.faker.AppName()
	if managed {
		e.ManagedIdentityType = g.faker.RandomString(miTypes)
	}
	return e
}

// Events returns count random sign-ins spaced evenly from start over spread.
func (g *Generator) Events(count int, start time.Time, spread time.Duration) []Event {
	return g.spaced(count, start, spread, g.Event)
}

// For returns count events of the kind layout v records: service principal
// or managed identity sign-ins for the workload layouts, user sign-ins
// otherwise.
func (g *Generator) For(v model.Variant, count int, start time.Time, spread time.Duration) []Event {
	switch v {
	case model.VariantGraphServicePrincipal:
		return g.spaced(count, start, spread, func(t time.Time) Event { return g.Workload(t, false) })
	case model.VariantGraphManagedIdentity:
		return g.spaced(count, start, spread, func(t time.Time) Event { return g.Workload(t, true) })
	}
	return g.Events(count, start, spread)
}

func (g *Generator) spaced(count int, start time.Time, spread time.Duration, next func(time.Time) Event) []Event {
	if count <= 0 {
		return nil
	}
	out := make([]Event, count)
	step := time.Duration(0)
	if count > 1 {
		step = spread / time.Duration(count-1)
	}
	for i := range out {
		out[i] = next(start.Add(time.Duration(i) * step))
	}
	return out
}

// legacyLayout is how the legacy portal writes timestamps (day-first).
const legacyLayout = "2/1/2006 3:04:05 PM"

// Render converts events into the header and rows of the given layout.
func Render(v model.Variant, events []Event) ([]string, [][]string, error) {
	def, ok := schema.Lookup(v)
	if !ok {
		return nil, nil, fmt.Errorf("no layout for %s", v)
	}
	header := def.Headers()
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		values := fieldValues(def, e)
		row := make([]string, len(header))
		for i, col := range header {
			row[i] = values[col]
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// WriteCSV renders events and writes them to path.
func WriteCSV(path string, v model.Variant, events []Event) error {
	header, rows, err := Render(v, events)
	if err != nil {
		return err
	}
	return csvparser.WriteFile(path, header, rows)
}

// fieldValues returns the event's values keyed by the layout's column names.
func fieldValues(def *schema.Definition, e Event) map[string]string {
	status := "Success"
	if !e.Success {
		status = "Failure"
	}
	ts := e.Time.UTC().Format(time.RFC3339)
	if def.Timestamp == schema.TimestampLegacy {
		ts = e.Time.UTC().Format(legacyLayout)
	}

	byField := map[string]string{
		schema.FieldTimestamp:            ts,
		schema.FieldRequestID:            e.RequestID,
		schema.FieldCorrelationID:        e.CorrelationID,
		schema.FieldUserID:               e.UserID,
		schema.FieldUserDisplayName:      e.DisplayName,
		schema.FieldUserPrincipalName:    e.UPN,
		schema.FieldServicePrincipalID:   e.ServicePrincipalID,
		schema.FieldServicePrincipalName: e.ServicePrincipalName,
		schema.FieldManagedIdentityType:  e.ManagedIdentityType,
		schema.FieldAppName:              e.App,
		schema.FieldAppID:                e.AppID,
		schema.FieldResourceName:         e.Resource,
		schema.FieldIPAddress:            e.IP,
		schema.FieldLocation:             joinLocation(e.City, e.State, e.Country),
		schema.FieldCity:                 e.City,
		schema.FieldState:                e.State,
		schema.FieldCountry:              e.Country,
		schema.FieldStatus:               status,
		schema.FieldErrorCode:            strconv.Itoa(e.ErrorCode),
		schema.FieldFailureReason:        e.FailureReason,
		schema.FieldClientApp:            e.ClientApp,
		schema.FieldUserAgent:            e.UserAgent,
		schema.FieldCompliant:            "False",
		schema.FieldManaged:              "False",
		schema.FieldMFAResult:            e.MFAResult,
		schema.FieldLatency:              strconv.Itoa(e.LatencyMS),
	}

	out := make(map[string]string, len(def.Columns))
	for field, col := range def.Columns {
		out[col] = byField[field]
	}
	return out
}

func joinLocation(city, state, country string) string {
	var s string
	for _, part := range []string{city, state, country} {
		if part == "" {
			continue
		}
		if s != "" {
			s += ", "
		}
		s += part
	}
	return s
}
