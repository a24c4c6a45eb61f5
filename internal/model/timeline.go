package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity of a timeline event. Values are ordered so larger means worse.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityAlert
	SeverityCritical
)

var severityNames = []string{"INFO", "WARNING", "ALERT", "CRITICAL"}

func (s Severity) String() string {
	if int(s) >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("SEVERITY(%d)", int(s))
}

// ParseSeverity accepts the names above in any case.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(name, s) {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity: %q", s)
}

// Phase is an attack-phase label.
type Phase string

const (
	PhaseCredentialAccess Phase = "credential_access"
	PhaseInitialAccess    Phase = "initial_access"
	PhaseDefenseEvasion   Phase = "defense_evasion"
	PhasePersistence      Phase = "persistence"
	PhaseUnclassified     Phase = "unclassified"
)

// Phases lists the phase labels in kill-chain order.
var Phases = []Phase{
	PhaseCredentialAccess, PhaseInitialAccess, PhaseDefenseEvasion, PhasePersistence, PhaseUnclassified,
}

// ParsePhase validates a phase label.
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.ReplaceAll(s, "-", "_"))
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase: %q", s)
}

// TimelineEvent is a classified occurrence derived from exactly one source record.
type TimelineEvent struct {
	ID             int64     `json:"id" yaml:"id"`
	DedupKey       string    `json:"-" yaml:"-"`
	SourceTable    string    `json:"source_table" yaml:"source_table"`
	SourceID       int64     `json:"source_id" yaml:"source_id"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	Actor          string    `json:"actor" yaml:"actor"`
	Action         string    `json:"action" yaml:"action"`
	Description    string    `json:"description" yaml:"description"`
	Severity       Severity  `json:"-" yaml:"-"`
	SeverityName   string    `json:"severity" yaml:"severity"`
	Phase          Phase     `json:"phase" yaml:"phase"`
	Rule           string    `json:"rule" yaml:"rule"`
	Routine        bool      `json:"routine" yaml:"routine"`
	Excluded       bool      `json:"excluded" yaml:"excluded"`
	ExcludedReason string    `json:"excluded_reason,omitempty" yaml:"excluded_reason,omitempty"`

	// Context joined in by the timeline view.
	SignInType      SignInType `json:"signin_type,omitempty" yaml:"signin_type,omitempty"`
	IPAddress       string     `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	Country         string     `json:"country,omitempty" yaml:"country,omitempty"`
	AppName         string     `json:"app_name,omitempty" yaml:"app_name,omitempty"`
	AnnotationCount int        `json:"annotation_count" yaml:"annotation_count"`
}

// AnnotationType tags an analyst note.
type AnnotationType string

const (
	AnnotationNote          AnnotationType = "note"
	AnnotationFinding       AnnotationType = "finding"
	AnnotationIOC           AnnotationType = "ioc"
	AnnotationFalsePositive AnnotationType = "false_positive"
)

// ParseAnnotationType accepts "false-positive" as well as "false_positive".
func ParseAnnotationType(s string) (AnnotationType, error) {
	switch t := AnnotationType(strings.ToLower(strings.ReplaceAll(s, "-", "_"))); t {
	case AnnotationNote, AnnotationFinding, AnnotationIOC, AnnotationFalsePositive:
		return t, nil
	}
	return "", fmt.Errorf("unknown annotation type: %q (want note, finding, ioc or false-positive)", s)
}

// TimelineAnnotation is an analyst note attached to one timeline event.
type TimelineAnnotation struct {
	ID              int64          `json:"id" yaml:"id"`
	EventID         int64          `json:"event_id" yaml:"event_id"`
	Type            AnnotationType `json:"type" yaml:"type"`
	Content         string         `json:"content" yaml:"content"`
	Author          string         `json:"author,omitempty" yaml:"author,omitempty"`
	IncludeInReport bool           `json:"include_in_report" yaml:"include_in_report"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at"`
}

// Confidence of a derived phase.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// TimelinePhase summarizes the time span covered by events of one phase.
type TimelinePhase struct {
	ID         int64      `json:"id" yaml:"id"`
	Phase      Phase      `json:"phase" yaml:"phase"`
	Start      time.Time  `json:"start" yaml:"start"`
	End        time.Time  `json:"end" yaml:"end"`
	EventCount int        `json:"event_count" yaml:"event_count"`
	Confidence Confidence `json:"confidence" yaml:"confidence"`
	BuildID    string     `json:"build_id" yaml:"build_id"`
}

// TimelineBuild is the history record written at the end of every build.
type TimelineBuild struct {
	ID             string    `json:"id" yaml:"id"`
	Mode           string    `json:"mode" yaml:"mode"`
	State          string    `json:"state" yaml:"state"`
	EventsScanned  int       `json:"events_scanned" yaml:"events_scanned"`
	EventsAdded    int       `json:"events_added" yaml:"events_added"`
	EventsUpdated  int       `json:"events_updated" yaml:"events_updated"`
	EventsSkipped  int       `json:"events_skipped" yaml:"events_skipped"`
	Warnings       int       `json:"warnings" yaml:"warnings"`
	PhasesDetected int       `json:"phases_detected" yaml:"phases_detected"`
	HighWaterID    int64     `json:"high_water_id" yaml:"high_water_id"`
	StartedAt      time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time `json:"finished_at" yaml:"finished_at"`
}

// TimelineFields are the columns of the timeline view that queries may filter
// or order on. Used to validate field names before they reach SQL.
var TimelineFields = []string{
	"id", "ts", "actor", "action", "description", "severity", "phase", "rule",
	"routine", "excluded", "signin_type", "ip_address", "country", "app_name",
}

// TimelineColumns is the full select list of the timeline view, in scan order.
var TimelineColumns = append(append([]string{}, TimelineFields...),
	"excluded_reason", "source_table", "source_id", "dedup_key", "annotation_count")
