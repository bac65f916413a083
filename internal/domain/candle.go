package domain

import "time"

// Candle is an OHLCV bar for one symbol at one width.
// Invariant: Low <= Open, Close <= High. Closed candles are never mutated.
type Candle struct {
	Symbol       string
	WidthMinutes int
	Start        time.Time // bucket start, UTC
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	Closed       bool
}

// End returns the exclusive end of the candle's bucket.
func (c Candle) End() time.Time {
	return c.Start.Add(time.Duration(c.WidthMinutes) * time.Minute)
}

// Valid reports whether the OHLC invariant holds.
func (c Candle) Valid() bool {
	return c.Low <= c.Open && c.Low <= c.Close &&
		c.Open <= c.High && c.Close <= c.High
}

// BucketStart floors ts to the start of its bucket for the given width.
func BucketStart(ts time.Time, widthMinutes int) time.Time {
	width := time.Duration(widthMinutes) * time.Minute
	return ts.UTC().Truncate(width)
}
