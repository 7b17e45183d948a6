package collab

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// default connector backed by pion/webrtc
type PionConnector struct {
}

func NewPionConnector() *PionConnector {
	return &PionConnector{}
}

func (self *PionConnector) NewRtcConnection(settings *RtcSettings) (RtcConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: settings.StunUrls,
			},
		},
	}
	peerConnection, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionConnection{
		peerConnection: peerConnection,
	}, nil
}

type pionConnection struct {
	peerConnection *webrtc.PeerConnection
}

func (self *pionConnection) CreateDataChannel(label string) (RtcDataChannel, error) {
	// ordered delivery is the data channel default
	dataChannel, err := self.peerConnection.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return &pionDataChannel{
		dataChannel: dataChannel,
	}, nil
}

func (self *pionConnection) OnDataChannel(callback func(RtcDataChannel)) {
	self.peerConnection.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		callback(&pionDataChannel{
			dataChannel: dataChannel,
		})
	})
}

func (self *pionConnection) CreateOffer(ctx context.Context) (SessionDescription, error) {
	offer, err := self.peerConnection.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return self.finalizeLocalDescription(ctx, offer)
}

func (self *pionConnection) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	answer, err := self.peerConnection.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return self.finalizeLocalDescription(ctx, answer)
}

// non-trickle: set the local description, then wait for the ICE gathering
// state to reach complete so the sdp carries all candidates
func (self *pionConnection) finalizeLocalDescription(ctx context.Context, description webrtc.SessionDescription) (SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(self.peerConnection)
	if err := self.peerConnection.SetLocalDescription(description); err != nil {
		return SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return SessionDescription{}, ctx.Err()
	}
	local := self.peerConnection.LocalDescription()
	if local == nil {
		return SessionDescription{}, fmt.Errorf("missing local description after gathering")
	}
	return SessionDescription{
		Type: local.Type.String(),
		Sdp:  local.SDP,
	}, nil
}

func (self *pionConnection) SetRemoteDescription(description SessionDescription) error {
	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(description.Type),
		SDP:  description.Sdp,
	}
	if err := self.peerConnection.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (self *pionConnection) SignalingState() string {
	return self.peerConnection.SignalingState().String()
}

func (self *pionConnection) OnConnectionStateChange(callback func(RtcConnectionState)) {
	self.peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		callback(RtcConnectionState(state.String()))
	})
}

func (self *pionConnection) Close() error {
	return self.peerConnection.Close()
}

type pionDataChannel struct {
	dataChannel *webrtc.DataChannel
}

func (self *pionDataChannel) Label() string {
	return self.dataChannel.Label()
}

func (self *pionDataChannel) OnOpen(callback func()) {
	self.dataChannel.OnOpen(callback)
}

func (self *pionDataChannel) OnMessage(callback func([]byte)) {
	self.dataChannel.OnMessage(func(message webrtc.DataChannelMessage) {
		callback(message.Data)
	})
}

func (self *pionDataChannel) OnError(callback func(error)) {
	self.dataChannel.OnError(callback)
}

func (self *pionDataChannel) OnClose(callback func()) {
	self.dataChannel.OnClose(callback)
}

func (self *pionDataChannel) Send(message []byte) error {
	return self.dataChannel.Send(message)
}

func (self *pionDataChannel) ReadyState() string {
	return self.dataChannel.ReadyState().String()
}

func (self *pionDataChannel) Close() error {
	return self.dataChannel.Close()
}
