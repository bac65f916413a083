package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
)

func TestDeriveFeedStatus(t *testing.T) {
	tests := []struct {
		name string
		in   FeedInputs
		want FeedStatus
	}{
		{
			name: "not connected wins over every state",
			in:   FeedInputs{Connected: false, TransportConnected: true, State: "CONNECTED"},
			want: FeedLoginRequired,
		},
		{
			name: "connected with transport",
			in:   FeedInputs{Connected: true, TransportConnected: true, State: "CONNECTED"},
			want: FeedConnected,
		},
		{
			name: "connecting with 503",
			in:   FeedInputs{Connected: true, TransportConnected: false, State: "CONNECTING", LastStatus: 503},
			want: FeedDown503,
		},
		{
			name: "connecting with 401",
			in:   FeedInputs{Connected: true, State: "CONNECTING", LastStatus: 401},
			want: FeedDownAuth,
		},
		{
			name: "connecting with 403",
			in:   FeedInputs{Connected: true, State: "CONNECTING", LastStatus: 403},
			want: FeedDownAuth,
		},
		{
			name: "connecting with 502",
			in:   FeedInputs{Connected: true, State: "CONNECTING", LastStatus: 502},
			want: FeedDownServer,
		},
		{
			name: "connecting with 429",
			in:   FeedInputs{Connected: true, State: "CONNECTING", LastStatus: 429},
			want: FeedDownClient,
		},
		{
			name: "connecting without status",
			in:   FeedInputs{Connected: true, State: "CONNECTING", RetryCount: 3},
			want: FeedConnecting,
		},
		{
			name: "disconnected passes through",
			in:   FeedInputs{Connected: true, State: "DISCONNECTED"},
			want: FeedDisconnected,
		},
		{
			name: "reconnect required passes through",
			in:   FeedInputs{Connected: true, State: "RECONNECT_REQUIRED", LastStatus: 401},
			want: FeedReconnectRequired,
		},
		{
			name: "connected state without transport",
			in:   FeedInputs{Connected: true, TransportConnected: false, State: "CONNECTED"},
			want: FeedUnknown,
		},
		{
			name: "unrecognized state name",
			in:   FeedInputs{Connected: true, TransportConnected: true, State: "HALF_OPEN"},
			want: FeedUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveFeedStatus(tt.in)
			assert.Equal(t, tt.want, got)
			// Pure: identical inputs give identical outputs
			assert.Equal(t, got, DeriveFeedStatus(tt.in))
		})
	}
}

func TestDeriveFeedStatus_TotalAndAllLabelsReachable(t *testing.T) {
	states := []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECT_REQUIRED", "", "garbage"}
	statuses := []int{0, 200, 301, 400, 401, 403, 404, 429, 500, 502, 503, 504, 600, -1}
	known := make(map[FeedStatus]bool)
	for _, s := range AllFeedStatuses {
		known[s] = true
	}

	reached := make(map[FeedStatus]bool)
	for _, connected := range []bool{false, true} {
		for _, transport := range []bool{false, true} {
			for _, state := range states {
				for _, status := range statuses {
					for _, retry := range []int{0, 1, 5} {
						got := DeriveFeedStatus(FeedInputs{
							Connected:          connected,
							TransportConnected: transport,
							State:              state,
							RetryCount:         retry,
							LastStatus:         status,
						})
						require.True(t, known[got], "unmapped output %q", got)
						reached[got] = true
					}
				}
			}
		}
	}

	for _, s := range AllFeedStatuses {
		assert.True(t, reached[s], "label %s never reached", s)
	}
	assert.Len(t, AllFeedStatuses, 10)
}

func TestFeedLabel(t *testing.T) {
	assert.Equal(t, "CONNECTING (retry 2)", FeedLabel(FeedConnecting, 2))
	assert.Equal(t, "CONNECTING", FeedLabel(FeedConnecting, 0))
	assert.Equal(t, "DOWN_503", FeedLabel(FeedDown503, 4))
}

func TestFeedInputsFrom(t *testing.T) {
	in := FeedInputsFrom(domain.ConnectivityState{
		Connected:  true,
		State:      domain.ConnStateConnecting,
		RetryCount: 2,
		LastStatus: 503,
	})
	assert.Equal(t, FeedDown503, DeriveFeedStatus(in))
	assert.Equal(t, 2, in.RetryCount)
}
