package reports

import (
	"context"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// GovernanceReport aggregates decision activity over a time window.
type GovernanceReport struct {
	ReportID    string `json:"report_id"`
	ReportType  string `json:"report_type"`
	GeneratedAt string `json:"generated_at"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`

	Decisions      int            `json:"decisions"`
	ByStatus       map[string]int `json:"by_status"`
	CodeFrequency  map[string]int `json:"code_frequency"`
	Healing        HealingStats   `json:"healing"`
	ValueEMASeries []EMAPoint     `json:"value_ema_series"`

	ReportPath string `json:"-"`
	ArchiveRef string `json:"-"`
}

// HealingStats summarizes the self-healing entries in the window.
type HealingStats struct {
	Attempts         int            `json:"attempts"`
	RetriesScheduled int            `json:"retries_scheduled"`
	Resolved         int            `json:"resolved"`
	StopReasons      map[string]int `json:"stop_reasons"`
}

// EMAPoint is one value_ema observation, stamped with its decision time.
type EMAPoint struct {
	Timestamp string  `json:"timestamp"`
	ValueEMA  float64 `json:"value_ema"`
}

// Governance renders, persists, and returns the aggregate report for
// [from, to]. A zero bound leaves that side of the window open.
func (b *Builder) Governance(ctx context.Context, from, to time.Time) (*GovernanceReport, error) {
	entries, err := b.ledger.Entries()
	if err != nil {
		return nil, err
	}

	report := &GovernanceReport{
		ReportID:       newReportID(),
		ReportType:     "governance",
		GeneratedAt:    b.clock().UTC().Format(time.RFC3339),
		ByStatus:       map[string]int{},
		CodeFrequency:  map[string]int{},
		Healing:        HealingStats{StopReasons: map[string]int{}},
		ValueEMASeries: []EMAPoint{},
	}
	if !from.IsZero() {
		report.From = from.UTC().Format(time.RFC3339)
	}
	if !to.IsZero() {
		report.To = to.UTC().Format(time.RFC3339)
	}

	for _, entry := range entries {
		if !inWindow(entry.Timestamp, from, to) {
			continue
		}
		switch entry.Kind() {
		case trustlog.KindDecision:
			report.Decisions++
			if status := str(entry.Payload, "decision_status"); status != "" {
				report.ByStatus[status]++
			}
			if code := str(entry.Payload, "fuji_code"); code != "" {
				report.CodeFrequency[code]++
			}
			if _, ok := entry.Payload["value_ema"]; ok {
				report.ValueEMASeries = append(report.ValueEMASeries, EMAPoint{
					Timestamp: entry.Timestamp,
					ValueEMA:  f64(entry.Payload, "value_ema"),
				})
			}
		case trustlog.KindSelfHealing:
			if _, ok := entry.Payload["attempt"]; ok {
				report.Healing.Attempts++
			}
			if boolOf(entry.Payload, "retry") {
				report.Healing.RetriesScheduled++
			}
			if reason := str(entry.Payload, "stop_reason"); reason != "" {
				report.Healing.StopReasons[reason]++
				if reason == "resolved" {
					report.Healing.Resolved++
				}
			}
		}
	}

	path, ref, err := b.persist(ctx, report.ReportID, report)
	if err != nil {
		return nil, err
	}
	report.ReportPath = path
	report.ArchiveRef = ref
	return report, nil
}

// inWindow checks an RFC3339 entry timestamp against the window bounds.
// Unparseable timestamps are excluded from bounded windows only.
func inWindow(timestamp string, from, to time.Time) bool {
	if from.IsZero() && to.IsZero() {
		return true
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return false
	}
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
