package model

import "time"

// SignIn is the canonical sign-in record every export variant is normalized into.
// A record is written once at import time; only Excluded/ExcludedReason change later.
type SignIn struct {
	ID       int64  `json:"id"`
	DedupKey string `json:"dedup_key"`

	Timestamp  time.Time  `json:"timestamp"`
	SignInType SignInType `json:"signin_type"`

	// Human identity. Empty for workload identities.
	UserPrincipalName string `json:"user_principal_name,omitempty"`
	UserDisplayName   string `json:"user_display_name,omitempty"`
	UserID            string `json:"user_id,omitempty"`

	// Workload identity.
	ServicePrincipalID   string `json:"service_principal_id,omitempty"`
	ServicePrincipalName string `json:"service_principal_name,omitempty"`
	ManagedIdentityType  string `json:"managed_identity_type,omitempty"`

	AppID        string `json:"app_id"`
	AppName      string `json:"app_name"`
	ResourceID   string `json:"resource_id"`
	ResourceName string `json:"resource_name"`
	ClientApp    string `json:"client_app"`
	UserAgent    string `json:"user_agent"`

	IPAddress string `json:"ip_address"`
	City      string `json:"city"`
	State     string `json:"state"`
	Country   string `json:"country"`

	Status            string `json:"status"`
	Success           bool   `json:"success"`
	ErrorCode         int64  `json:"error_code"`
	FailureReason     string `json:"failure_reason"`
	ConditionalAccess string `json:"conditional_access"`
	MFAResult         string `json:"mfa_result"`
	MFAMethod         string `json:"mfa_method"`
	AuthRequirement   string `json:"auth_requirement"`

	DeviceID        string `json:"device_id"`
	OperatingSystem string `json:"operating_system"`
	Browser         string `json:"browser"`
	DeviceCompliant bool   `json:"device_compliant"`
	DeviceManaged   bool   `json:"device_managed"`
	JoinType        string `json:"join_type"`

	LatencyMS     int64  `json:"latency_ms"`
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id"`

	// Provenance
	SourceVariant Variant `json:"source_variant"`
	SourceFile    string  `json:"source_file"`
	SourceRow     int     `json:"source_row"`
	ImportRunID   string  `json:"import_run_id"`

	Excluded       bool   `json:"excluded"`
	ExcludedReason string `json:"excluded_reason,omitempty"`
}

// Actor returns the identity that authenticated: the UPN for human sign-ins,
// the service principal id for workload sign-ins.
func (s *SignIn) Actor() string {
	if s.SignInType.IsWorkload() {
		return s.ServicePrincipalID
	}
	return s.UserPrincipalName
}

// Action is the event type folded into the dedup key.
func (s *SignIn) Action() string {
	return "signin:" + string(s.SignInType)
}

// SourceRecordID is the export's own identifier for the row.
func (s *SignIn) SourceRecordID() string {
	if s.RequestID != "" {
		return s.RequestID
	}
	return s.CorrelationID
}
