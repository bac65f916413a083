package domain

import "fmt"

// Timeframe identifies one of the three aggregation cadences.
type Timeframe string

const (
	TimeframeLTF Timeframe = "LTF" // lower timeframe
	TimeframeITF Timeframe = "ITF" // intermediate timeframe
	TimeframeHTF Timeframe = "HTF" // higher timeframe
)

// AllTimeframes lists timeframes from lowest to highest.
var AllTimeframes = []Timeframe{TimeframeLTF, TimeframeITF, TimeframeHTF}

// ParseTimeframe parses a timeframe name.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case TimeframeLTF, TimeframeITF, TimeframeHTF:
		return Timeframe(s), nil
	default:
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
}
