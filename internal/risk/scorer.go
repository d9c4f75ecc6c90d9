// Package risk scores proposed actions. Scoring is a pure function of the
// payload and source so the same proposal always produces the same audit
// metadata, which keeps the trail reproducible and the tests honest.
package risk

import (
	"fmt"
	"sort"
	"strings"
)

// Level buckets a numeric score for authorization purposes.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Thresholds are fixed configuration, never derived at runtime.
// score < Medium is low, score > High is high, in between is medium.
type Thresholds struct {
	Medium int
	High   int
}

func DefaultThresholds() Thresholds { return Thresholds{Medium: 40, High: 70} }

// Assessment is the scorer output, carried verbatim into the submitted
// audit entry.
type Assessment struct {
	Score   int      `json:"score"`
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons"`
}

type Scorer struct {
	th Thresholds
}

func NewScorer(th Thresholds) *Scorer {
	if th.Medium <= 0 || th.High <= th.Medium {
		th = DefaultThresholds()
	}
	return &Scorer{th: th}
}

// factor weights. Adding a factor can only raise the score (monotonicity);
// the sum is clamped to 100 (boundedness).
const (
	weightIrreversible    = 30
	weightExternalSource  = 15
	weightBulkScope       = 20
	weightSensitiveData   = 25
	weightPerRecipient    = 5
	maxRecipientWeight    = 25
	weightBillingTouching = 20
)

var sensitiveClasses = map[string]bool{
	"pii": true, "financial": true, "credentials": true, "health": true,
}

// Score maps a proposal to an assessment. Deterministic: identical
// (payload, source) inputs always yield identical output, including
// reason ordering.
func (s *Scorer) Score(payload map[string]any, source string) Assessment {
	score := 0
	var reasons []string
	add := func(w int, reason string) {
		score += w
		reasons = append(reasons, reason)
	}

	if _, ok := payload["undoPayload"]; !ok {
		add(weightIrreversible, "action has no undo payload")
	}
	if !strings.HasPrefix(source, "module:") {
		add(weightExternalSource, fmt.Sprintf("source %q is not a registered module", source))
	}
	if bulk, _ := payload["bulk"].(bool); bulk {
		add(weightBulkScope, "bulk operation across multiple records")
	}
	if cls, _ := payload["dataClassification"].(string); sensitiveClasses[strings.ToLower(cls)] {
		add(weightSensitiveData, fmt.Sprintf("touches %s-classified data", strings.ToLower(cls)))
	}
	if n := externalRecipients(payload); n > 0 {
		w := n * weightPerRecipient
		if w > maxRecipientWeight {
			w = maxRecipientWeight
		}
		add(w, fmt.Sprintf("%d external recipient(s)", n))
	}
	if cap, _ := payload["capability"].(string); strings.Contains(cap, "billing") {
		add(weightBillingTouching, "capability writes to billing")
	}

	if score > 100 {
		score = 100
	}
	sort.Strings(reasons)
	return Assessment{Score: score, Level: s.LevelOf(score), Reasons: reasons}
}

// LevelOf is a pure fixed-threshold function of the score.
func (s *Scorer) LevelOf(score int) Level {
	switch {
	case score > s.th.High:
		return LevelHigh
	case score >= s.th.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

func externalRecipients(payload map[string]any) int {
	switch v := payload["externalRecipients"].(type) {
	case []any:
		return len(v)
	case []string:
		return len(v)
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return 0
}
