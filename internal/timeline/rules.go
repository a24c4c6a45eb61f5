package timeline

import (
	"fmt"
	"strings"

	"github.com/cdtdelta/m365ir/internal/model"
)

// Rule names stored on timeline events.
const (
	RuleForeignLegacySuccess = "foreign_legacy_auth_success"
	RuleForeignSuccess       = "foreign_signin_success"
	RuleLegacySuccess        = "legacy_auth_success"
	RuleWorkloadForeign      = "workload_foreign_signin"
	RuleMFADenied            = "mfa_denied"
	RuleConditionalAccess    = "conditional_access_failure"
	RuleForeignFailure       = "foreign_signin_failure"
	RuleCredentialFailure    = "credential_failure"
	RuleRoutine              = "routine_signin"
	RuleUnclassified         = "unclassified"
)

// Entra error codes the rules look at.
const (
	codeMFADenied = 500121
)

// credentialErrorCodes are failures that indicate a guessed or wrong secret
// or an account being locked by repeated attempts.
var credentialErrorCodes = map[int64]bool{
	50126: true, // invalid username or password
	50053: true, // account locked or malicious IP
	50055: true, // expired password
}

// ClassificationWarning is raised for a record the rules could not judge. The
// event is still stored, as INFO and unclassified.
type ClassificationWarning struct {
	SourceID int64
	Reason   string
}

func (w *ClassificationWarning) Error() string {
	return fmt.Sprintf("sign-in %d: %s", w.SourceID, w.Reason)
}

// Classification is the outcome of applying the rules to one record.
type Classification struct {
	Severity    model.Severity
	Phase       model.Phase
	Rule        string
	Routine     bool
	Description string
}

// Rules holds the tenant-specific inputs to classification.
type Rules struct {
	home   map[string]bool
	legacy map[string]bool
}

// NewRules builds a rule set. Countries and client apps are compared
// case-insensitively.
func NewRules(homeCountries, legacyAuthClients []string) *Rules {
	r := &Rules{home: make(map[string]bool), legacy: make(map[string]bool)}
	for _, c := range homeCountries {
		if c = strings.TrimSpace(c); c != "" {
			r.home[strings.ToUpper(c)] = true
		}
	}
	for _, c := range legacyAuthClients {
		if c = strings.TrimSpace(c); c != "" {
			r.legacy[strings.ToLower(c)] = true
		}
	}
	return r
}

// Classify applies the rules in priority order. A non-nil error is always a
// *ClassificationWarning and comes with an INFO unclassified result.
func (r *Rules) Classify(rec *model.SignIn) (Classification, error) {
	c := Classification{
		Severity:    model.SeverityInfo,
		Phase:       model.PhaseUnclassified,
		Rule:        RuleUnclassified,
		Description: describe(rec),
	}

	country := strings.ToUpper(strings.TrimSpace(rec.Country))
	if len(r.home) > 0 && country == "" {
		return c, &ClassificationWarning{SourceID: rec.ID, Reason: "no country recorded and home countries are configured"}
	}
	foreign := len(r.home) > 0 && !r.home[country]
	legacy := r.legacy[strings.ToLower(strings.TrimSpace(rec.ClientApp))]

	set := func(sev model.Severity, phase model.Phase, rule string) (Classification, error) {
		c.Severity, c.Phase, c.Rule = sev, phase, rule
		return c, nil
	}

	if rec.Success {
		switch {
		case rec.SignInType.IsWorkload() && foreign:
			return set(model.SeverityAlert, model.PhasePersistence, RuleWorkloadForeign)
		case foreign && legacy:
			return set(model.SeverityCritical, model.PhaseInitialAccess, RuleForeignLegacySuccess)
		case foreign:
			return set(model.SeverityAlert, model.PhaseInitialAccess, RuleForeignSuccess)
		case legacy:
			return set(model.SeverityAlert, model.PhaseDefenseEvasion, RuleLegacySuccess)
		case len(r.home) > 0:
			c.Routine = true
			c.Rule = RuleRoutine
		}
		return c, nil
	}

	switch {
	case rec.ErrorCode == codeMFADenied:
		return set(model.SeverityAlert, model.PhaseCredentialAccess, RuleMFADenied)
	case strings.EqualFold(strings.TrimSpace(rec.ConditionalAccess), "failure"):
		return set(model.SeverityWarning, model.PhaseDefenseEvasion, RuleConditionalAccess)
	case foreign:
		return set(model.SeverityWarning, model.PhaseCredentialAccess, RuleForeignFailure)
	case credentialErrorCodes[rec.ErrorCode]:
		return set(model.SeverityWarning, model.PhaseCredentialAccess, RuleCredentialFailure)
	}
	return c, nil
}

// describe renders the one-line event description shown in the timeline.
func describe(rec *model.SignIn) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(string(rec.SignInType), "_", "-"))
	if rec.Success {
		b.WriteString(" sign-in succeeded")
	} else {
		b.WriteString(" sign-in failed")
	}
	if rec.AppName != "" {
		fmt.Fprintf(&b, " to %s", rec.AppName)
	}
	if rec.IPAddress != "" {
		fmt.Fprintf(&b, " from %s", rec.IPAddress)
	}
	if loc := location(rec); loc != "" {
		fmt.Fprintf(&b, " (%s)", loc)
	}
	if rec.ClientApp != "" {
		fmt.Fprintf(&b, " via %s", rec.ClientApp)
	}
	if !rec.Success && rec.ErrorCode != 0 {
		fmt.Fprintf(&b, ": error %d", rec.ErrorCode)
		if rec.FailureReason != "" {
			fmt.Fprintf(&b, " %s", rec.FailureReason)
		}
	}
	return b.String()
}

func location(rec *model.SignIn) string {
	var parts []string
	for _, p := range []string{rec.City, rec.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
