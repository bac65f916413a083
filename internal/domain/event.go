package domain

import (
	"encoding/json"
	"time"
)

// ScopeKind is the visibility class of an event.
type ScopeKind string

const (
	ScopeGlobal     ScopeKind = "GLOBAL"
	ScopeUser       ScopeKind = "USER"
	ScopeUserBroker ScopeKind = "USER_BROKER"
)

// Scope decides which readers may see an event.
type Scope struct {
	Kind         ScopeKind `json:"kind"`
	UserID       int64     `json:"userId,omitempty"`
	BrokerLinkID int64     `json:"brokerLinkId,omitempty"`
}

// GlobalScope is visible to every reader.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// UserScope is visible to one user.
func UserScope(userID int64) Scope { return Scope{Kind: ScopeUser, UserID: userID} }

// LinkScope is visible to the owner of one brokerage link.
func LinkScope(link LinkID) Scope {
	return Scope{Kind: ScopeUserBroker, UserID: link.UserID, BrokerLinkID: link.BrokerLinkID}
}

// ReaderScope describes who is reading. BrokerLinkID 0 means all of the user's links.
type ReaderScope struct {
	UserID       int64
	BrokerLinkID int64
}

// VisibleTo reports whether a reader may see events with this scope.
func (s Scope) VisibleTo(r ReaderScope) bool {
	switch s.Kind {
	case ScopeGlobal:
		return true
	case ScopeUser:
		return s.UserID == r.UserID
	case ScopeUserBroker:
		if s.UserID != r.UserID {
			return false
		}
		return r.BrokerLinkID == 0 || s.BrokerLinkID == r.BrokerLinkID
	default:
		return false
	}
}

// Event types.
const (
	EventSignalCreated     = "SIGNAL_CREATED"
	EventSignalSuppressed  = "SIGNAL_SUPPRESSED"
	EventSignalExpired     = "SIGNAL_EXPIRED"
	EventIntentCreated     = "INTENT_CREATED"
	EventIntentExited      = "INTENT_EXITED"
	EventFeedStatusChanged = "FEED_STATUS_CHANGED"
	EventRecoveryCompleted = "RECOVERY_COMPLETED"
	EventConfigUpdated     = "CONFIG_UPDATED"
)

// Event is an append-only entry in the event log. Seq is assigned by the store.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Scope     Scope           `json:"scope"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"ts"`

	SignalID string `json:"signalId,omitempty"`
	IntentID string `json:"intentId,omitempty"`
	TradeID  string `json:"tradeId,omitempty"`
	OrderID  string `json:"orderId,omitempty"`
}
