package timeline

import (
	"github.com/cdtdelta/m365ir/internal/model"
)

// DerivePhases groups classified events by phase label. Routine, excluded and
// unclassified events do not contribute. The result follows model.Phases order.
func DerivePhases(events []*model.TimelineEvent, buildID string) []*model.TimelinePhase {
	byPhase := make(map[model.Phase]*model.TimelinePhase)
	alerts := make(map[model.Phase]int)
	critical := make(map[model.Phase]bool)

	for _, e := range events {
		if e.Routine || e.Excluded || e.Phase == model.PhaseUnclassified || e.Phase == "" {
			continue
		}
		p, ok := byPhase[e.Phase]
		if !ok {
			p = &model.TimelinePhase{Phase: e.Phase, Start: e.Timestamp, End: e.Timestamp, BuildID: buildID}
			byPhase[e.Phase] = p
		}
		if e.Timestamp.Before(p.Start) {
			p.Start = e.Timestamp
		}
		if e.Timestamp.After(p.End) {
			p.End = e.Timestamp
		}
		p.EventCount++

		switch e.Severity {
		case model.SeverityCritical:
			critical[e.Phase] = true
		case model.SeverityAlert:
			alerts[e.Phase]++
		}
	}

	var out []*model.TimelinePhase
	for _, label := range model.Phases {
		p, ok := byPhase[label]
		if !ok {
			continue
		}
		p.Confidence = confidence(critical[label], alerts[label])
		out = append(out, p)
	}
	return out
}

// confidence is high for any CRITICAL event or three ALERTs, medium for any
// ALERT and low otherwise.
func confidence(anyCritical bool, alerts int) model.Confidence {
	switch {
	case anyCritical || alerts >= 3:
		return model.ConfidenceHigh
	case alerts > 0:
		return model.ConfidenceMedium
	}
	return model.ConfidenceLow
}
