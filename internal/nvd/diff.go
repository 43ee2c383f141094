package nvd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Diff compares two snapshots of the same CVE and produces the journal
// rows describing what changed. Callers only invoke this when the
// snapshot hashes differ.
func Diff(old, fresh *model.CVE, at time.Time) []model.CVEChange {
	var changes []model.CVEChange
	add := func(changeType, from, to string, diff json.RawMessage) {
		changes = append(changes, model.CVEChange{
			CveID:      fresh.ID,
			ChangeType: changeType,
			FromValue:  from,
			ToValue:    to,
			Diff:       diff,
			ChangeAt:   at,
		})
	}

	if fresh.PreferredSeverity.Rank() > old.PreferredSeverity.Rank() {
		add(model.ChangeSeverityUpgrade, string(old.PreferredSeverity), string(fresh.PreferredSeverity), nil)
	}
	if scoreOf(old) != scoreOf(fresh) {
		add(model.ChangeScore, formatScore(old.PreferredScore), formatScore(fresh.PreferredScore), nil)
	}
	if fresh.PreferredVersion != old.PreferredVersion {
		add(model.ChangePreferredVersion, old.PreferredVersion, fresh.PreferredVersion, nil)
	}
	if metricsChanged(old, fresh) {
		diff, _ := json.Marshal(map[string]any{
			"from": map[string]*model.CvssMetric{"v31": old.MetricV31, "v40": old.MetricV40},
			"to":   map[string]*model.CvssMetric{"v31": fresh.MetricV31, "v40": fresh.MetricV40},
		})
		add(model.ChangeMetrics, old.PreferredVector, fresh.PreferredVector, diff)
	}
	return changes
}

func metricsChanged(old, fresh *model.CVE) bool {
	return !metricEqual(old.MetricV31, fresh.MetricV31) || !metricEqual(old.MetricV40, fresh.MetricV40)
}

func metricEqual(a, b *model.CvssMetric) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.VectorString == b.VectorString &&
		a.BaseScore == b.BaseScore &&
		a.BaseSeverity == b.BaseSeverity
}

func scoreOf(c *model.CVE) float64 {
	if c.PreferredScore == nil {
		return -1
	}
	return *c.PreferredScore
}

func formatScore(score *float64) string {
	if score == nil {
		return ""
	}
	return fmt.Sprintf("%.1f", *score)
}
