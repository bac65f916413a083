package domain

import "time"

// Trade is a closed intent: the tracked exit of a risk-sized position.
type Trade struct {
	ID        string    `json:"tradeId"` // deterministic hash
	IntentID  string    `json:"intentId"`
	SignalID  string    `json:"signalId"`
	Link      LinkID    `json:"-"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`

	// Entry
	EntryTime    time.Time `json:"entryTime"`
	EntryPrice   float64   `json:"entryPrice"`
	Stop         float64   `json:"stop"`
	RiskFraction float64   `json:"riskFraction"`

	// Exit
	ExitTime   time.Time `json:"exitTime"`
	ExitPrice  float64   `json:"exitPrice"`
	ExitReason string    `json:"exitReason"`

	// Outcome
	PeakPrice    float64 `json:"peakPrice"`   // most favorable price during the hold
	GrossReturn  float64 `json:"grossReturn"` // signed by direction
	RMultiple    float64 `json:"rMultiple"`   // gross move over initial risk distance
	LogReturn    float64 `json:"logReturn"`   // equity log return at RiskFraction sizing
	OutcomeClass string  `json:"outcomeClass"`
}

// Exit reason codes
const (
	ExitReasonInitialStop  = "INITIAL_STOP"
	ExitReasonTrailingStop = "TRAILING_STOP"
	ExitReasonTarget       = "TARGET"
	ExitReasonStretch      = "STRETCH"
)

// Outcome class constants
const (
	OutcomeClassWin  = "WIN"
	OutcomeClassLoss = "LOSS"
)
