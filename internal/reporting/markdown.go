package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("# Outcome Report: link %s\n\n", r.Link))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))

	// Totals
	s := r.Stats
	sb.WriteString("## Totals\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Trades | %d |\n", s.TotalTrades))
	sb.WriteString(fmt.Sprintf("| Wins / Losses | %d / %d |\n", s.Wins, s.Losses))
	sb.WriteString(fmt.Sprintf("| Win Rate | %.4f |\n", s.WinRate))
	sb.WriteString(fmt.Sprintf("| Mean R | %.4f |\n", s.MeanR))
	sb.WriteString(fmt.Sprintf("| Median R | %.4f |\n", s.MedianR))
	sb.WriteString(fmt.Sprintf("| P10 / P90 R | %.4f / %.4f |\n", s.P10R, s.P90R))
	sb.WriteString(fmt.Sprintf("| Cumulative Log Return | %.6f |\n", s.CumulativeLogReturn))
	sb.WriteString(fmt.Sprintf("| Max Drawdown | %.4f |\n", s.MaxDrawdown))
	sb.WriteString(fmt.Sprintf("| Current Drawdown | %.4f |\n", s.CurrentDrawdown))
	sb.WriteString(fmt.Sprintf("| Max Consecutive Losses | %d |\n", s.MaxConsecutiveLosses))
	sb.WriteString("\n")

	// Per symbol
	sb.WriteString("## Symbols\n\n")
	if len(r.Symbols) > 0 {
		sb.WriteString("| Symbol | Trades | WinRate | MeanR | LogReturn | MaxDD | MaxLoss |\n")
		sb.WriteString("|--------|--------|---------|-------|-----------|-------|---------|\n")
		for _, row := range r.Symbols {
			sb.WriteString(fmt.Sprintf("| %s | %d | %.4f | %.4f | %.6f | %.4f | %d |\n",
				row.Symbol, row.TotalTrades, row.WinRate, row.MeanR,
				row.SumLogReturn, row.MaxDrawdown, row.MaxConsecLosses))
		}
	} else {
		sb.WriteString("No closed trades.\n")
	}
	sb.WriteString("\n")

	// Exit reasons
	sb.WriteString("## Exit Reasons\n\n")
	if len(r.ExitReasons) > 0 {
		sb.WriteString("| Reason | Count | Share |\n")
		sb.WriteString("|--------|-------|-------|\n")
		for _, row := range r.ExitReasons {
			sb.WriteString(fmt.Sprintf("| %s | %d | %.4f |\n", row.Reason, row.Count, row.Share))
		}
	} else {
		sb.WriteString("No exits recorded.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}
