// Package schema catalogues the known sign-in export layouts and detects which
// one a file uses from its header row.
package schema

import "github.com/cdtdelta/m365ir/internal/model"

// TimestampFormat selects the parser the transformer applies to the date column.
type TimestampFormat int

const (
	TimestampISO8601 TimestampFormat = iota
	TimestampLegacy
)

// LocationStyle says whether a layout stores location in one column or three.
type LocationStyle int

const (
	LocationSplit LocationStyle = iota
	LocationCombined
)

// Definition describes one export layout.
type Definition struct {
	Variant     model.Variant
	Description string

	// Fingerprint is the minimal set of columns that identifies the layout.
	Fingerprint []string

	// Columns maps canonical field names onto the layout's column headers.
	Columns map[string]string

	// FilenameTokens break ties between layouts with identical fingerprints.
	FilenameTokens []string

	Timestamp TimestampFormat
	Location  LocationStyle
	BaseType  model.SignInType
}

// Column returns the header mapped to a canonical field, if the layout has one.
func (d *Definition) Column(field string) (string, bool) {
	c, ok := d.Columns[field]
	return c, ok
}

// TimestampColumn is the header holding the event time.
func (d *Definition) TimestampColumn() string {
	return d.Columns[FieldTimestamp]
}

var sharedColumns = map[string]string{
	FieldRequestID:         ColRequestID,
	FieldCorrelationID:     ColCorrelationID,
	FieldAppName:           ColApplication,
	FieldAppID:             ColApplicationID,
	FieldResourceName:      ColResource,
	FieldResourceID:        ColResourceID,
	FieldIPAddress:         ColIPAddress,
	FieldStatus:            ColStatus,
	FieldErrorCode:         ColErrorCode,
	FieldFailureReason:     ColFailureReason,
	FieldConditionalAccess: ColConditionalAccess,
	FieldLatency:           ColLatency,
}

var userColumns = map[string]string{
	FieldUserID:            ColUserID,
	FieldUserDisplayName:   ColUser,
	FieldUserPrincipalName: ColUsername,
	FieldClientApp:         ColClientApp,
	FieldUserAgent:         ColUserAgent,
	FieldDeviceID:          ColDeviceID,
	FieldBrowser:           ColBrowser,
	FieldOperatingSystem:   ColOperatingSystem,
	FieldCompliant:         ColCompliant,
	FieldManaged:           ColManaged,
	FieldJoinType:          ColJoinType,
	FieldMFAResult:         ColMFAResult,
	FieldMFAMethod:         ColMFAMethod,
	FieldAuthRequirement:   ColAuthRequirement,
}

var splitLocationColumns = map[string]string{
	FieldCity:    ColCity,
	FieldState:   ColState,
	FieldCountry: ColCountry,
}

func columns(timestampCol string, parts ...map[string]string) map[string]string {
	out := map[string]string{FieldTimestamp: timestampCol}
	for _, p := range append([]map[string]string{sharedColumns}, parts...) {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

// registry is ordered from most to least specific fingerprint. Detection
// returns the first definition whose fingerprint is fully present.
var registry = []*Definition{
	{
		Variant:     model.VariantGraphManagedIdentity,
		Description: "Graph API managed identity sign-ins",
		Fingerprint: []string{ColDateUTC, ColManagedIdentityType},
		Columns: columns(ColDateUTC, splitLocationColumns, map[string]string{
			FieldServicePrincipalID:   ColServicePrincipalID,
			FieldServicePrincipalName: ColServicePrincipalName,
			FieldManagedIdentityType:  ColManagedIdentityType,
		}),
		Timestamp: TimestampISO8601,
		Location:  LocationSplit,
		BaseType:  model.SignInManagedIdentity,
	},
	{
		Variant:     model.VariantGraphServicePrincipal,
		Description: "Graph API service principal (application) sign-ins",
		Fingerprint: []string{ColDateUTC, ColServicePrincipalID, ColServicePrincipalName},
		Columns: columns(ColDateUTC, splitLocationColumns, map[string]string{
			FieldServicePrincipalID:   ColServicePrincipalID,
			FieldServicePrincipalName: ColServicePrincipalName,
		}),
		Timestamp: TimestampISO8601,
		Location:  LocationSplit,
		BaseType:  model.SignInServicePrincipal,
	},
	{
		Variant:     model.VariantGraphInteractive,
		Description: "Graph API interactive user sign-ins",
		Fingerprint: graphUserFingerprint,
		Columns: columns(ColDateUTC, splitLocationColumns, userColumns, map[string]string{
			FieldServicePrincipalID: ColServicePrincipalID,
		}),
		FilenameTokens: []string{"interactive"},
		Timestamp:      TimestampISO8601,
		Location:       LocationSplit,
		BaseType:       model.SignInInteractive,
	},
	{
		Variant:     model.VariantGraphNonInteractive,
		Description: "Graph API non-interactive user sign-ins",
		Fingerprint: graphUserFingerprint,
		Columns: columns(ColDateUTC, splitLocationColumns, userColumns, map[string]string{
			FieldServicePrincipalID: ColServicePrincipalID,
		}),
		FilenameTokens: []string{"noninteractive"},
		Timestamp:      TimestampISO8601,
		Location:       LocationSplit,
		BaseType:       model.SignInNonInteractive,
	},
	{
		Variant:     model.VariantLegacyPortal,
		Description: "Legacy admin portal sign-in export",
		Fingerprint: []string{ColDate, ColUsername, ColUser, ColLocation},
		Columns: columns(ColDate, userColumns, map[string]string{
			FieldLocation: ColLocation,
		}),
		Timestamp: TimestampLegacy,
		Location:  LocationCombined,
		BaseType:  model.SignInInteractive,
	},
}

// Interactive and non-interactive exports share this header layout.
var graphUserFingerprint = []string{ColDateUTC, ColUsername, ColUser, ColClientApp}

// Definitions returns the registered definitions in detection priority order.
func Definitions() []*Definition {
	out := make([]*Definition, len(registry))
	copy(out, registry)
	return out
}

// Lookup returns the definition for a variant.
func Lookup(v model.Variant) (*Definition, bool) {
	for _, d := range registry {
		if d.Variant == v {
			return d, true
		}
	}
	return nil, false
}

// fieldOrder is the column order used when a layout's header row is rendered.
var fieldOrder = []string{
	FieldTimestamp, FieldRequestID, FieldCorrelationID,
	FieldUserID, FieldUserDisplayName, FieldUserPrincipalName,
	FieldServicePrincipalID, FieldServicePrincipalName, FieldManagedIdentityType,
	FieldAppName, FieldAppID, FieldResourceName, FieldResourceID,
	FieldIPAddress, FieldLocation, FieldCity, FieldState, FieldCountry,
	FieldStatus, FieldErrorCode, FieldFailureReason,
	FieldClientApp, FieldUserAgent, FieldDeviceID, FieldBrowser, FieldOperatingSystem,
	FieldCompliant, FieldManaged, FieldJoinType,
	FieldMFAResult, FieldMFAMethod, FieldAuthRequirement,
	FieldConditionalAccess, FieldLatency,
}

// Headers returns the layout's full header row in export order.
func (d *Definition) Headers() []string {
	headers := make([]string, 0, len(d.Columns))
	for _, f := range fieldOrder {
		if col, ok := d.Columns[f]; ok {
			headers = append(headers, col)
		}
	}
	return headers
}
