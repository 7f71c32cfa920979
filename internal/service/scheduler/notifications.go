package scheduler

import (
	"github.com/aimd54/loyalty-ledger/internal/mattermost"
	"github.com/aimd54/loyalty-ledger/internal/service/churn"
	"github.com/aimd54/loyalty-ledger/internal/service/rollover"
)

// buildWinnerLines transforms archived winners into Mattermost table rows.
func buildWinnerLines(winners []rollover.Winner) []mattermost.WinnerLine {
	lines := make([]mattermost.WinnerLine, 0, len(winners))
	for _, w := range winners {
		lines = append(lines, mattermost.WinnerLine{
			Rank:     w.Rank,
			FullName: w.FullName,
			Points:   w.Points,
		})
	}
	return lines
}

// buildAtRiskLines transforms at-risk clients into digest entries.
func buildAtRiskLines(clients []churn.AtRiskClient) []mattermost.AtRiskClient {
	lines := make([]mattermost.AtRiskClient, 0, len(clients))
	for _, c := range clients {
		// Unnamed profiles still deserve a readable line.
		name := c.FullName
		if name == "" {
			name = "unknown"
		}
		lines = append(lines, mattermost.AtRiskClient{
			UserID:        c.UserID,
			FullName:      name,
			LastVisitDays: c.LastVisitDays,
		})
	}
	return lines
}
