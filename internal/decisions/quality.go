package decisions

import (
	"strings"

	"github.com/cstp-run/blackbox/internal/model"
)

// scoreQuality computes the additive completeness score from §4.F, grounded
// on the teacher's internal/service/quality.Score's "base score plus
// per-factor additions, clamped" shape. deliberationInputs is the count of
// tracker inputs consumed for this decision (0 if none).
func scoreQuality(d model.Decision, deliberationInputs int) model.Quality {
	const base = 0.10
	score := base
	var missing []string

	if d.Pattern != nil && strings.TrimSpace(*d.Pattern) != "" {
		score += 0.20
	} else {
		missing = append(missing, "no reusable pattern recorded")
	}

	if len(d.Tags) > 0 {
		score += 0.15
	} else {
		missing = append(missing, "no tags recorded")
	}

	if distinctReasonTypes(d.Reasons) >= 2 {
		score += 0.15
	} else {
		missing = append(missing, "fewer than 2 distinct reason types")
	}

	if d.Bridge != nil && d.Bridge.Explicit {
		score += 0.15
	} else {
		missing = append(missing, "bridge definition missing or auto-derived")
	}

	if len(strings.TrimSpace(d.DecisionText)) >= 20 {
		score += 0.10
	} else {
		missing = append(missing, "decision text is very short")
	}

	if strings.TrimSpace(d.Context) != "" {
		score += 0.10
	} else {
		missing = append(missing, "no context provided")
	}

	if strings.TrimSpace(d.Project) != "" {
		score += 0.10
	} else {
		missing = append(missing, "no project context")
	}

	if deliberationInputs > 0 {
		score += 0.05
	} else {
		missing = append(missing, "no deliberation trail")
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	return model.Quality{Score: score, Suggestions: missing}
}

func distinctReasonTypes(reasons []model.Reason) int {
	seen := make(map[model.ReasonType]bool)
	for _, r := range reasons {
		seen[r.Type] = true
	}
	return len(seen)
}
