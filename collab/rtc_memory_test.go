package collab

import (
	"context"
	"fmt"
	"sync"
)

// in-memory rtc double. offers and answers carry a pairing token in the sdp
// body; the hub links the two sides when the initiator applies the answer.

type memRtcHub struct {
	mutex      sync.Mutex
	nextToken  int
	offering   map[string]*memRtcConnection
	responding map[string]*memRtcConnection
}

func newMemRtcHub() *memRtcHub {
	return &memRtcHub{
		offering:   map[string]*memRtcConnection{},
		responding: map[string]*memRtcConnection{},
	}
}

func (self *memRtcHub) NewRtcConnection(settings *RtcSettings) (RtcConnection, error) {
	return &memRtcConnection{
		hub: self,
	}, nil
}

type memRtcConnection struct {
	hub *memRtcHub

	mutex          sync.Mutex
	localChannel   *memRtcChannel
	onDataChannel  func(RtcDataChannel)
	onState        func(RtcConnectionState)
	signalingState string
	remoteToken    string
	peer           *memRtcConnection
	closed         bool
}

func (self *memRtcConnection) CreateDataChannel(label string) (RtcDataChannel, error) {
	channel := newMemRtcChannel(label)
	self.mutex.Lock()
	self.localChannel = channel
	self.mutex.Unlock()
	return channel, nil
}

func (self *memRtcConnection) OnDataChannel(callback func(RtcDataChannel)) {
	self.mutex.Lock()
	self.onDataChannel = callback
	self.mutex.Unlock()
}

func (self *memRtcConnection) CreateOffer(ctx context.Context) (SessionDescription, error) {
	hub := self.hub
	hub.mutex.Lock()
	hub.nextToken += 1
	token := fmt.Sprintf("token-%d", hub.nextToken)
	hub.offering[token] = self
	hub.mutex.Unlock()

	self.mutex.Lock()
	self.signalingState = SignalingStateHaveLocalOffer
	self.mutex.Unlock()

	return SessionDescription{Type: "offer", Sdp: token}, nil
}

func (self *memRtcConnection) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	self.mutex.Lock()
	token := self.remoteToken
	self.mutex.Unlock()
	if token == "" {
		return SessionDescription{}, fmt.Errorf("no remote offer")
	}

	hub := self.hub
	hub.mutex.Lock()
	hub.responding[token] = self
	hub.mutex.Unlock()

	return SessionDescription{Type: "answer", Sdp: token}, nil
}

func (self *memRtcConnection) SetRemoteDescription(description SessionDescription) error {
	switch description.Type {
	case "offer":
		self.mutex.Lock()
		self.remoteToken = description.Sdp
		self.mutex.Unlock()
		return nil
	case "answer":
		hub := self.hub
		hub.mutex.Lock()
		responder := hub.responding[description.Sdp]
		delete(hub.responding, description.Sdp)
		delete(hub.offering, description.Sdp)
		hub.mutex.Unlock()
		if responder == nil {
			return fmt.Errorf("no responder for token %s", description.Sdp)
		}
		link(self, responder)
		return nil
	default:
		return fmt.Errorf("bad description type: %s", description.Type)
	}
}

// pairs the two sides: mirrored channels, connected states, open channels
func link(initiator *memRtcConnection, responder *memRtcConnection) {
	initiator.mutex.Lock()
	initiatorChannel := initiator.localChannel
	initiator.peer = responder
	initiator.signalingState = "stable"
	initiator.mutex.Unlock()

	responderChannel := newMemRtcChannel(initiatorChannel.label)
	responder.mutex.Lock()
	responder.localChannel = responderChannel
	responder.peer = initiator
	onDataChannel := responder.onDataChannel
	responder.mutex.Unlock()

	initiatorChannel.attach(responderChannel)
	responderChannel.attach(initiatorChannel)

	if onDataChannel != nil {
		onDataChannel(responderChannel)
	}

	initiator.fireState(RtcStateConnected)
	responder.fireState(RtcStateConnected)

	initiatorChannel.open()
	responderChannel.open()
}

func (self *memRtcConnection) SignalingState() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.signalingState == "" {
		return "stable"
	}
	return self.signalingState
}

func (self *memRtcConnection) OnConnectionStateChange(callback func(RtcConnectionState)) {
	self.mutex.Lock()
	self.onState = callback
	self.mutex.Unlock()
}

func (self *memRtcConnection) fireState(state RtcConnectionState) {
	self.mutex.Lock()
	callback := self.onState
	self.mutex.Unlock()
	if callback != nil {
		callback(state)
	}
}

func (self *memRtcConnection) Close() error {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return nil
	}
	self.closed = true
	peer := self.peer
	self.peer = nil
	channel := self.localChannel
	self.mutex.Unlock()

	if channel != nil {
		channel.Close()
	}
	if peer != nil {
		// the far side observes the drop
		go peer.fireState(RtcStateDisconnected)
	}
	return nil
}

// simulates a transport failure seen by this side only
func (self *memRtcConnection) fail() {
	self.fireState(RtcStateFailed)
}

type memRtcChannel struct {
	label string

	mutex      sync.Mutex
	remote     *memRtcChannel
	readyState string
	onOpen     func()
	onMessage  func([]byte)
	onClose    func()
	onError    func(error)

	// single pump preserves delivery order
	deliverQueue chan []byte
	closeOnce    sync.Once
}

func newMemRtcChannel(label string) *memRtcChannel {
	channel := &memRtcChannel{
		label:        label,
		readyState:   "connecting",
		deliverQueue: make(chan []byte, 1024),
	}
	go channel.pump()
	return channel
}

func (self *memRtcChannel) pump() {
	for message := range self.deliverQueue {
		self.mutex.Lock()
		callback := self.onMessage
		self.mutex.Unlock()
		if callback != nil {
			callback(message)
		}
	}
}

func (self *memRtcChannel) attach(remote *memRtcChannel) {
	self.mutex.Lock()
	self.remote = remote
	self.mutex.Unlock()
}

func (self *memRtcChannel) open() {
	self.mutex.Lock()
	self.readyState = "open"
	callback := self.onOpen
	self.mutex.Unlock()
	if callback != nil {
		callback()
	}
}

func (self *memRtcChannel) Label() string {
	return self.label
}

func (self *memRtcChannel) OnOpen(callback func()) {
	self.mutex.Lock()
	opened := self.readyState == "open"
	self.onOpen = callback
	self.mutex.Unlock()
	if opened && callback != nil {
		callback()
	}
}

func (self *memRtcChannel) OnMessage(callback func([]byte)) {
	self.mutex.Lock()
	self.onMessage = callback
	self.mutex.Unlock()
}

func (self *memRtcChannel) OnError(callback func(error)) {
	self.mutex.Lock()
	self.onError = callback
	self.mutex.Unlock()
}

func (self *memRtcChannel) OnClose(callback func()) {
	self.mutex.Lock()
	self.onClose = callback
	self.mutex.Unlock()
}

func (self *memRtcChannel) Send(message []byte) error {
	self.mutex.Lock()
	remote := self.remote
	state := self.readyState
	self.mutex.Unlock()

	if state != "open" || remote == nil {
		return fmt.Errorf("channel is not open")
	}
	return remote.enqueue(message)
}

func (self *memRtcChannel) enqueue(message []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.readyState == "closed" {
		return fmt.Errorf("remote channel is closed")
	}
	select {
	case self.deliverQueue <- message:
		return nil
	default:
		return fmt.Errorf("remote channel backlogged")
	}
}

func (self *memRtcChannel) ReadyState() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.readyState
}

func (self *memRtcChannel) Close() error {
	self.closeOnce.Do(func() {
		self.mutex.Lock()
		self.readyState = "closed"
		callback := self.onClose
		self.mutex.Unlock()
		close(self.deliverQueue)
		if callback != nil {
			callback()
		}
	})
	return nil
}
