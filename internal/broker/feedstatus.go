package broker

import (
	"fmt"
	"net/http"

	"mtf-feed/internal/domain"
)

// FeedStatus is the derived health label of a link's feed.
type FeedStatus string

const (
	FeedLoginRequired     FeedStatus = "LOGIN_REQUIRED"
	FeedConnecting        FeedStatus = "CONNECTING"
	FeedConnected         FeedStatus = "CONNECTED"
	FeedDown503           FeedStatus = "DOWN_503"
	FeedDownAuth          FeedStatus = "DOWN_AUTH"
	FeedDownServer        FeedStatus = "DOWN_SERVER"
	FeedDownClient        FeedStatus = "DOWN_CLIENT"
	FeedDisconnected      FeedStatus = "DISCONNECTED"
	FeedReconnectRequired FeedStatus = "RECONNECT_REQUIRED"
	FeedUnknown           FeedStatus = "UNKNOWN"
)

// AllFeedStatuses lists every label DeriveFeedStatus can return.
var AllFeedStatuses = []FeedStatus{
	FeedLoginRequired, FeedConnecting, FeedConnected,
	FeedDown503, FeedDownAuth, FeedDownServer, FeedDownClient,
	FeedDisconnected, FeedReconnectRequired, FeedUnknown,
}

// FeedInputs are the raw inputs of DeriveFeedStatus. State is the state
// name as reported, so unrecognized names are representable.
type FeedInputs struct {
	Connected          bool
	TransportConnected bool
	State              string
	RetryCount         int
	LastStatus         int
}

// FeedInputsFrom converts a connectivity snapshot.
func FeedInputsFrom(s domain.ConnectivityState) FeedInputs {
	return FeedInputs{
		Connected:          s.Connected,
		TransportConnected: s.TransportConnected,
		State:              string(s.State),
		RetryCount:         s.RetryCount,
		LastStatus:         s.LastStatus,
	}
}

// connKind is the parsed form of FeedInputs.State.
type connKind int

const (
	kindUnknown connKind = iota
	kindDisconnected
	kindConnecting
	kindConnected
	kindReconnectRequired
)

func parseConnKind(state string) connKind {
	switch domain.ConnState(state) {
	case domain.ConnStateDisconnected:
		return kindDisconnected
	case domain.ConnStateConnecting:
		return kindConnecting
	case domain.ConnStateConnected:
		return kindConnected
	case domain.ConnStateReconnectRequired:
		return kindReconnectRequired
	default:
		return kindUnknown
	}
}

// DeriveFeedStatus maps connectivity inputs to exactly one FeedStatus.
// It has no side effects.
func DeriveFeedStatus(in FeedInputs) FeedStatus {
	if !in.Connected {
		return FeedLoginRequired
	}

	switch parseConnKind(in.State) {
	case kindConnected:
		if in.TransportConnected {
			return FeedConnected
		}
		return FeedUnknown
	case kindConnecting:
		return connectingStatus(in.LastStatus)
	case kindDisconnected:
		return FeedDisconnected
	case kindReconnectRequired:
		return FeedReconnectRequired
	case kindUnknown:
		return FeedUnknown
	default:
		return FeedUnknown
	}
}

func connectingStatus(lastStatus int) FeedStatus {
	if lastStatus == http.StatusServiceUnavailable {
		return FeedDown503
	}
	switch ClassifyStatus(lastStatus) {
	case CategoryAuth:
		return FeedDownAuth
	case CategoryServer:
		return FeedDownServer
	case CategoryClient:
		return FeedDownClient
	default:
		return FeedConnecting
	}
}

// FeedLabel renders a status for display. CONNECTING carries the retry count when positive.
func FeedLabel(status FeedStatus, retryCount int) string {
	if status == FeedConnecting && retryCount > 0 {
		return fmt.Sprintf("%s (retry %d)", status, retryCount)
	}
	return string(status)
}

// Degraded reports whether a status should expose retry and error details.
func (s FeedStatus) Degraded() bool {
	return s != FeedConnected
}
