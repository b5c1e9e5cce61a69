package performance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time record of one agent's evaluation, handed to a
// SnapshotSink for storage.
type Snapshot struct {
	ID           string           `json:"id"`
	AgentID      string           `json:"agent_id"`
	AgentName    string           `json:"agent_name"`
	Rank         int              `json:"rank"`
	ComputedAt   time.Time        `json:"computed_at"`
	WindowStart  time.Time        `json:"window_start"`
	WindowEnd    time.Time        `json:"window_end"`
	Metrics      Metrics          `json:"metrics"`
	Positions    []Position       `json:"positions"`
	Timeline     []TimelinePoint  `json:"timeline"`
	RecentTrades []CompletedTrade `json:"recent_trades"`
}

type SnapshotSink interface {
	SaveSnapshots(ctx context.Context, snapshots []Snapshot) error
}

// BuildSnapshots captures each report with its most recent trades, newest
// last.
func BuildSnapshots(reports []AgentReport, computedAt time.Time, recentTrades int) []Snapshot {
	out := make([]Snapshot, 0, len(reports))
	for _, report := range reports {
		trades := report.Trades
		if recentTrades >= 0 && len(trades) > recentTrades {
			trades = trades[len(trades)-recentTrades:]
		}
		out = append(out, Snapshot{
			ID:           uuid.NewString(),
			AgentID:      report.AgentID,
			AgentName:    report.AgentName,
			Rank:         report.Rank,
			ComputedAt:   computedAt.UTC(),
			WindowStart:  report.Timeline.Start,
			WindowEnd:    report.Timeline.End,
			Metrics:      report.Metrics,
			Positions:    DisplayPositions(report.Timeline.Positions),
			Timeline:     append([]TimelinePoint(nil), report.Timeline.Points...),
			RecentTrades: append([]CompletedTrade(nil), trades...),
		})
	}
	return out
}

// PublishSnapshots builds snapshots for reports and hands them to sink.
func PublishSnapshots(ctx context.Context, sink SnapshotSink, reports []AgentReport, computedAt time.Time, recentTrades int) ([]Snapshot, error) {
	snapshots := BuildSnapshots(reports, computedAt, recentTrades)
	if len(snapshots) == 0 {
		return snapshots, nil
	}
	if err := sink.SaveSnapshots(ctx, snapshots); err != nil {
		return nil, fmt.Errorf("save snapshots: %w", err)
	}
	return snapshots, nil
}
