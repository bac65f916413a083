package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderCSV renders the trades of a report as CSV string.
func RenderCSV(trades []TradeRow) string {
	var sb strings.Builder

	// Header
	sb.WriteString("trade_id,symbol,direction,entry_time,exit_time,entry_price,exit_price,")
	sb.WriteString("exit_reason,r_multiple,log_return,outcome_class\n")

	// Rows
	for _, t := range trades {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%s,%s,%.6f,%.6f,%s,%.6f,%.6f,%s\n",
			t.TradeID,
			t.Symbol,
			t.Direction,
			t.EntryTime.UTC().Format(time.RFC3339),
			t.ExitTime.UTC().Format(time.RFC3339),
			t.EntryPrice,
			t.ExitPrice,
			t.ExitReason,
			t.RMultiple,
			t.LogReturn,
			t.OutcomeClass,
		))
	}

	return sb.String()
}
