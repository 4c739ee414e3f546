package correlation

import (
	"fmt"
	"strings"
	"time"

	"github.com/MLidstrom/castellan/internal/domain/correlation"
)

// buildContext renders the human-readable correlation context attached to
// upgraded events, e.g.
//
//	Part of temporalburst pattern, with 85% confidence, involving 12 related
//	events, within 1 minute
//
// Stage and technique fragments are appended only when present; at most
// three techniques are listed.
func buildContext(result correlation.Result) string {
	corr := result.Correlation
	if corr == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Part of %s pattern", strings.ToLower(corr.Type.String()))
	fmt.Fprintf(&b, ", with %d%% confidence", int(result.Confidence*100))
	fmt.Fprintf(&b, ", involving %d related events", len(corr.EventIDs))
	fmt.Fprintf(&b, ", within %s", formatWindow(corr.TimeWindow))

	if corr.AttackStage != "" {
		fmt.Fprintf(&b, ", as part of %s", corr.AttackStage)
	}
	if len(corr.MitreTechniques) > 0 {
		techniques := corr.MitreTechniques
		if len(techniques) > 3 {
			techniques = techniques[:3]
		}
		fmt.Fprintf(&b, ", matching techniques: %s", strings.Join(techniques, ", "))
	}
	return b.String()
}

func formatWindow(d time.Duration) string {
	if d >= time.Hour {
		hours := d.Hours()
		if hours == float64(int(hours)) {
			return plural(int(hours), "hour")
		}
		return fmt.Sprintf("%.1f hours", hours)
	}
	minutes := int(d.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return plural(minutes, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
