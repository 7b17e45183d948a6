package collab

import (
	"context"
)

// transport contract: a WebRTC-style peer connection with non-trickle ICE
// and one named ordered data channel. The pion implementation is the
// default (see rtc_pion.go); tests use an in-memory pair.

type RtcConnectionState string

const (
	RtcStateNew          RtcConnectionState = "new"
	RtcStateConnecting   RtcConnectionState = "connecting"
	RtcStateConnected    RtcConnectionState = "connected"
	RtcStateDisconnected RtcConnectionState = "disconnected"
	RtcStateFailed       RtcConnectionState = "failed"
	RtcStateClosed       RtcConnectionState = "closed"
)

const SignalingStateHaveLocalOffer = "have-local-offer"

// non-trickled: the sdp carries the bundled ICE candidates
type SessionDescription struct {
	Type string `json:"type"`
	Sdp  string `json:"sdp"`
}

type RtcSettings struct {
	StunUrls []string
}

func DefaultRtcSettings() *RtcSettings {
	return &RtcSettings{
		StunUrls: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
	}
}

type RtcConnector interface {
	NewRtcConnection(settings *RtcSettings) (RtcConnection, error)
}

type RtcConnection interface {
	// initiator side. must be called before CreateOffer
	CreateDataChannel(label string) (RtcDataChannel, error)

	// responder side
	OnDataChannel(callback func(RtcDataChannel))

	// creates the offer, sets the local description and waits for ICE
	// gathering to complete. returns the finalized local description.
	CreateOffer(ctx context.Context) (SessionDescription, error)

	// same, answering the current remote description
	CreateAnswer(ctx context.Context) (SessionDescription, error)

	SetRemoteDescription(description SessionDescription) error

	// e.g. "stable", "have-local-offer"
	SignalingState() string

	OnConnectionStateChange(callback func(state RtcConnectionState))

	Close() error
}

type RtcDataChannel interface {
	Label() string

	OnOpen(callback func())
	OnMessage(callback func(message []byte))
	OnError(callback func(err error))
	OnClose(callback func())

	Send(message []byte) error

	// e.g. "connecting", "open", "closed"
	ReadyState() string

	Close() error
}
