package domain

import (
	"fmt"
	"time"
)

// LinkID identifies a brokerage link: a (user, brokerage account) pairing that
// owns exactly one upstream connectivity session.
type LinkID struct {
	UserID       int64
	BrokerLinkID int64
}

func (l LinkID) String() string {
	return fmt.Sprintf("%d/%d", l.UserID, l.BrokerLinkID)
}

// Session is the latest stored credential set for a link.
type Session struct {
	Link         LinkID
	ProviderCode string
	AccessToken  string
	SessionID    string
	UpdatedAt    time.Time
}

// WatchlistEntry is one symbol on a link's watchlist.
type WatchlistEntry struct {
	Link    LinkID
	Symbol  string
	Enabled bool
}
