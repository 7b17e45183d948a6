package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

const DataChannelLabel = "data"

type PeerManagerSettings struct {
	MaxDirectPeers int
	// peer records older than this are invisible to discovery
	PeerPresenceTimeout time.Duration
	// connections with no traffic for this long are torn down
	StaleConnectionTimeout time.Duration
	// connections that never reached connected are closed after this long
	IdlePeerTimeout  time.Duration
	CleanupInterval  time.Duration
	NegotiateTimeout time.Duration
	WriteTimeout     time.Duration

	Rtc *RtcSettings
}

func DefaultPeerManagerSettings() *PeerManagerSettings {
	return &PeerManagerSettings{
		MaxDirectPeers:         20,
		PeerPresenceTimeout:    10 * time.Minute,
		StaleConnectionTimeout: 10 * time.Minute,
		IdlePeerTimeout:        5 * time.Minute,
		CleanupInterval:        5 * time.Minute,
		NegotiateTimeout:       30 * time.Second,
		WriteTimeout:           10 * time.Second,
		Rtc:                    DefaultRtcSettings(),
	}
}

// the document capability the peer manager needs for per-peer delta sync
type SyncSource interface {
	EncodeState() []byte
	EncodeStateVector() []byte
	EncodeStateAsUpdateSince(stateVector []byte) []byte
}

type PeerFunction func(peerId Id)

type InboundFunction func(peerId Id, message *InboundMessage)

// discovers peers on the presence path, negotiates one direct connection per
// pair (smaller id initiates), frames traffic over the data channel, and
// owns teardown of every connection it opens
type PeerManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	substrate Substrate
	paths     DocPaths
	selfId    Id
	connector RtcConnector
	framer    *MessageFramer
	signaling *SignalingChannel
	presence  *PresenceService
	source    SyncSource
	settings  *PeerManagerSettings

	peerJoinedCallbacks callbackList[PeerFunction]
	peerLeftCallbacks   callbackList[PeerFunction]
	inboundCallbacks    callbackList[InboundFunction]
	errorCallbacks      callbackList[ErrorFunction]

	stateLock     sync.Mutex
	connections   map[Id]*peerConnection
	subscriptions []Subscription
	started       bool

	// last state vector each peer is known to be synchronized to. survives
	// connection teardown so a re-paired peer gets a delta, not full state.
	// nil entry means none known and the next sync sends full state.
	syncVectors map[Id][]byte
}

type peerConnection struct {
	peerId     Id
	initiator  bool
	connection RtcConnection
	channel    RtcDataChannel

	state        RtcConnectionState
	joined       bool
	closed       bool
	createTime   time.Time
	connectTime  time.Time
	lastActivity time.Time
}

func NewPeerManager(
	ctx context.Context,
	substrate Substrate,
	paths DocPaths,
	selfId Id,
	connector RtcConnector,
	framer *MessageFramer,
	signaling *SignalingChannel,
	presence *PresenceService,
	source SyncSource,
	settings *PeerManagerSettings,
) *PeerManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PeerManager{
		ctx:         cancelCtx,
		cancel:      cancel,
		substrate:   substrate,
		paths:       paths,
		selfId:      selfId,
		connector:   connector,
		framer:      framer,
		signaling:   signaling,
		presence:    presence,
		source:      source,
		settings:    settings,
		connections: map[Id]*peerConnection{},
		syncVectors: map[Id][]byte{},
	}
}

func (self *PeerManager) AddPeerJoinedCallback(callback PeerFunction) {
	self.peerJoinedCallbacks.add(callback)
}

func (self *PeerManager) AddPeerLeftCallback(callback PeerFunction) {
	self.peerLeftCallbacks.add(callback)
}

func (self *PeerManager) AddInboundCallback(callback InboundFunction) {
	self.inboundCallbacks.add(callback)
}

func (self *PeerManager) AddErrorCallback(callback ErrorFunction) {
	self.errorCallbacks.add(callback)
}

// origin tag for updates this manager applies to the document, so the
// update pipeline can suppress echo
func (self *PeerManager) Origin() string {
	return fmt.Sprintf("peer-manager:%s", self.selfId)
}

// wires signaling, discovery, the heartbeat and the cleanup timer
func (self *PeerManager) Init() error {
	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		return nil
	}
	self.started = true
	self.stateLock.Unlock()

	if err := self.signaling.Listen(self.handleSignal); err != nil {
		return err
	}

	addedSub, err := self.substrate.SubscribeChildAdded(self.paths.Peers(), self.handlePeerAdded)
	if err != nil {
		return fmt.Errorf("peer discovery subscribe failed: %w", err)
	}
	removedSub, err := self.substrate.SubscribeChildRemoved(self.paths.Peers(), self.handlePeerRemoved)
	if err != nil {
		addedSub.Unsubscribe()
		return fmt.Errorf("peer discovery subscribe failed: %w", err)
	}

	self.stateLock.Lock()
	self.subscriptions = append(self.subscriptions, addedSub, removedSub)
	self.stateLock.Unlock()

	self.presence.Start()
	go self.runCleanup()
	return nil
}

func (self *PeerManager) runCleanup() {
	ticker := time.NewTicker(self.settings.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
			self.presence.CleanupStalePeers(ctx)
			cancel()
			self.CloseStaleConnections()
			self.framer.DropStale(self.settings.StaleConnectionTimeout)
		}
	}
}

// discovery: a fresh record for an unknown peer whose id is larger than ours
// triggers an outbound connection. a record for an already-connected peer is a no-op.
func (self *PeerManager) handlePeerAdded(key string, value json.RawMessage) {
	if value == nil {
		return
	}
	record, err := parsePeerRecord(value)
	if err != nil {
		glog.Infof("[peers]bad peer record %s: %s\n", key, err)
		return
	}
	peerId := record.Id
	if peerId == (Id{}) {
		if peerId, err = ParseId(key); err != nil {
			return
		}
	}
	if peerId == self.selfId {
		return
	}
	lastSeen := time.UnixMilli(record.LastSeen)
	if self.settings.PeerPresenceTimeout < time.Since(lastSeen) {
		// stale record. gc will reap it
		return
	}
	if !self.selfId.LessThan(peerId) {
		// the other side initiates
		return
	}

	self.stateLock.Lock()
	_, exists := self.connections[peerId]
	self.stateLock.Unlock()
	if exists {
		return
	}

	go self.initiate(peerId)
}

func (self *PeerManager) handlePeerRemoved(key string) {
	peerId, err := ParseId(key)
	if err != nil || peerId == self.selfId {
		return
	}
	self.Cleanup(peerId)
}

// initiator path: data channel first, then a non-trickled offer
func (self *PeerManager) initiate(peerId Id) {
	self.stateLock.Lock()
	if _, exists := self.connections[peerId]; exists {
		self.stateLock.Unlock()
		return
	}
	if self.settings.MaxDirectPeers <= len(self.connections) {
		self.stateLock.Unlock()
		glog.Infof("[peers]at max direct peers (%d), not initiating to %s\n", self.settings.MaxDirectPeers, peerId)
		return
	}
	// reserve the slot before the blocking negotiation
	peer := &peerConnection{
		peerId:     peerId,
		initiator:  true,
		state:      RtcStateNew,
		createTime: time.Now(),
	}
	self.connections[peerId] = peer
	self.stateLock.Unlock()

	if err := self.negotiateOffer(peer); err != nil {
		glog.Infof("[peers]offer to %s failed: %s\n", peerId, err)
		self.emitError(err, "signaling")
		self.Cleanup(peerId)
	}
}

func (self *PeerManager) negotiateOffer(peer *peerConnection) error {
	connection, err := self.connector.NewRtcConnection(self.settings.Rtc)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	if peer.closed {
		self.stateLock.Unlock()
		connection.Close()
		return nil
	}
	peer.connection = connection
	self.stateLock.Unlock()

	connection.OnConnectionStateChange(func(state RtcConnectionState) {
		self.handleConnectionState(peer.peerId, state)
	})

	channel, err := connection.CreateDataChannel(DataChannelLabel)
	if err != nil {
		return err
	}
	self.setupChannel(peer, channel)

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.NegotiateTimeout)
	defer cancel()
	offer, err := connection.CreateOffer(ctx)
	if err != nil {
		return err
	}

	return self.signaling.Send(ctx, &SignalEnvelope{
		Type:      SignalTypeOffer,
		Sdp:       offer,
		From:      self.selfId,
		To:        peer.peerId,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (self *PeerManager) handleSignal(envelope *SignalEnvelope) {
	if envelope.From == self.selfId {
		return
	}
	switch envelope.Type {
	case SignalTypeOffer:
		self.handleOffer(envelope)
	case SignalTypeAnswer:
		self.handleAnswer(envelope)
	default:
		glog.Infof("[signal]unknown envelope type: %s\n", envelope.Type)
	}
}

// responder path: answer an offer from a peer with no existing connection.
// duplicate offers from a known peer are ignored.
func (self *PeerManager) handleOffer(envelope *SignalEnvelope) {
	peerId := envelope.From

	self.stateLock.Lock()
	if _, exists := self.connections[peerId]; exists {
		self.stateLock.Unlock()
		return
	}
	if self.settings.MaxDirectPeers <= len(self.connections) {
		self.stateLock.Unlock()
		glog.Infof("[peers]at max direct peers (%d), dropping offer from %s\n", self.settings.MaxDirectPeers, peerId)
		return
	}
	peer := &peerConnection{
		peerId:     peerId,
		state:      RtcStateNew,
		createTime: time.Now(),
	}
	self.connections[peerId] = peer
	self.stateLock.Unlock()

	go func() {
		if err := self.negotiateAnswer(peer, envelope); err != nil {
			glog.Infof("[peers]answer to %s failed: %s\n", peerId, err)
			self.emitError(err, "signaling")
			self.Cleanup(peerId)
		}
	}()
}

func (self *PeerManager) negotiateAnswer(peer *peerConnection, envelope *SignalEnvelope) error {
	connection, err := self.connector.NewRtcConnection(self.settings.Rtc)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	if peer.closed {
		self.stateLock.Unlock()
		connection.Close()
		return nil
	}
	peer.connection = connection
	self.stateLock.Unlock()

	connection.OnConnectionStateChange(func(state RtcConnectionState) {
		self.handleConnectionState(peer.peerId, state)
	})
	connection.OnDataChannel(func(channel RtcDataChannel) {
		if channel.Label() != DataChannelLabel {
			return
		}
		self.setupChannel(peer, channel)
	})

	if err := connection.SetRemoteDescription(envelope.Sdp); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.NegotiateTimeout)
	defer cancel()
	answer, err := connection.CreateAnswer(ctx)
	if err != nil {
		return err
	}

	return self.signaling.Send(ctx, &SignalEnvelope{
		Type:      SignalTypeAnswer,
		Sdp:       answer,
		From:      self.selfId,
		To:        peer.peerId,
		Timestamp: time.Now().UnixMilli(),
	})
}

// an answer applies only to an existing connection still holding its local
// offer. anything else is a state mismatch and is dropped.
func (self *PeerManager) handleAnswer(envelope *SignalEnvelope) {
	self.stateLock.Lock()
	peer, exists := self.connections[envelope.From]
	var connection RtcConnection
	if exists {
		connection = peer.connection
	}
	self.stateLock.Unlock()

	if !exists || connection == nil {
		return
	}
	if connection.SignalingState() != SignalingStateHaveLocalOffer {
		return
	}
	if err := connection.SetRemoteDescription(envelope.Sdp); err != nil {
		glog.Infof("[peers]set remote answer from %s failed: %s\n", envelope.From, err)
		self.emitError(err, "signaling")
		self.Cleanup(envelope.From)
	}
}

func (self *PeerManager) setupChannel(peer *peerConnection, channel RtcDataChannel) {
	self.stateLock.Lock()
	peer.channel = channel
	self.stateLock.Unlock()

	channel.OnOpen(func() {
		self.stateLock.Lock()
		peer.lastActivity = time.Now()
		self.stateLock.Unlock()
		self.sendInitialSync(peer)
	})
	channel.OnMessage(func(message []byte) {
		self.handleInbound(peer, message)
	})
	channel.OnError(func(err error) {
		glog.Infof("[peers]channel error from %s: %s\n", peer.peerId, err)
	})
	channel.OnClose(func() {
		self.Cleanup(peer.peerId)
	})
}

func (self *PeerManager) handleConnectionState(peerId Id, state RtcConnectionState) {
	self.stateLock.Lock()
	peer, exists := self.connections[peerId]
	if !exists || peer.closed {
		self.stateLock.Unlock()
		return
	}
	peer.state = state
	var joined bool
	if state == RtcStateConnected && !peer.joined {
		peer.joined = true
		peer.connectTime = time.Now()
		peer.lastActivity = time.Now()
		joined = true
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[peers]%s -> %s\n", peerId, state)

	if joined {
		for _, callback := range self.peerJoinedCallbacks.get() {
			callback := callback
			handleCallback(func() {
				callback(peerId)
			})
		}
	}

	switch state {
	case RtcStateFailed, RtcStateDisconnected, RtcStateClosed:
		self.Cleanup(peerId)
	}
}

// first message on a fresh channel: full state when the peer's vector is
// unknown, a delta otherwise
func (self *PeerManager) sendInitialSync(peer *peerConnection) {
	self.stateLock.Lock()
	lastVector := self.syncVectors[peer.peerId]
	self.stateLock.Unlock()

	var payload []byte
	if lastVector == nil {
		payload = self.source.EncodeState()
	} else {
		payload = self.source.EncodeStateAsUpdateSince(lastVector)
	}
	if err := self.sendSync(peer, payload); err != nil {
		glog.Infof("[peers]initial sync to %s failed: %s\n", peer.peerId, err)
	}
}

func (self *PeerManager) handleInbound(peer *peerConnection, message []byte) {
	self.stateLock.Lock()
	peer.lastActivity = time.Now()
	self.stateLock.Unlock()

	inbound, err := self.framer.HandleInbound(peer.peerId, message)
	if err != nil {
		glog.Infof("[peers]dropping message from %s: %s\n", peer.peerId, err)
		return
	}
	if inbound == nil {
		// partial chunked message
		return
	}
	for _, callback := range self.inboundCallbacks.get() {
		callback := callback
		handleCallback(func() {
			callback(peer.peerId, inbound)
		})
	}
}

// fan-out of a sync payload over every open channel
func (self *PeerManager) BroadcastSync(payload []byte) {
	for _, peer := range self.openPeers() {
		if err := self.sendSync(peer, payload); err != nil {
			glog.Infof("[peers]sync to %s failed: %s\n", peer.peerId, err)
		}
	}
}

func (self *PeerManager) BroadcastAwareness(payload []byte, compressed bool) {
	envelopes, err := self.framer.FrameOutbound(MessageTypeAwareness, payload, compressed)
	if err != nil {
		glog.Infof("[peers]awareness framing failed: %s\n", err)
		return
	}
	for _, peer := range self.openPeers() {
		if err := self.sendEnvelopes(peer, envelopes); err != nil {
			glog.Infof("[peers]awareness to %s failed: %s\n", peer.peerId, err)
		}
	}
}

func (self *PeerManager) sendSync(peer *peerConnection, payload []byte) error {
	envelopes, err := self.framer.FrameOutbound(MessageTypeSync, payload, false)
	if err != nil {
		return err
	}
	if envelopes == nil {
		// no-op update
		return nil
	}
	if err := self.sendEnvelopes(peer, envelopes); err != nil {
		return err
	}

	// the peer is now synchronized up to the current document state
	vector := self.source.EncodeStateVector()
	self.stateLock.Lock()
	self.syncVectors[peer.peerId] = vector
	self.stateLock.Unlock()
	return nil
}

func (self *PeerManager) sendEnvelopes(peer *peerConnection, envelopes [][]byte) error {
	self.stateLock.Lock()
	channel := peer.channel
	self.stateLock.Unlock()

	if channel == nil || channel.ReadyState() != "open" {
		return fmt.Errorf("channel to %s is not open", peer.peerId)
	}
	for _, envelope := range envelopes {
		if err := channel.Send(envelope); err != nil {
			return err
		}
	}
	self.stateLock.Lock()
	peer.lastActivity = time.Now()
	self.stateLock.Unlock()
	return nil
}

func (self *PeerManager) openPeers() []*peerConnection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peers := make([]*peerConnection, 0, len(self.connections))
	for _, peer := range self.connections {
		if peer.channel != nil && !peer.closed {
			peers = append(peers, peer)
		}
	}
	return peers
}

// closes the connection to a peer and releases everything owned for it.
// idempotent.
func (self *PeerManager) Cleanup(peerId Id) {
	self.stateLock.Lock()
	peer, exists := self.connections[peerId]
	if !exists || peer.closed {
		self.stateLock.Unlock()
		return
	}
	peer.closed = true
	delete(self.connections, peerId)
	channel := peer.channel
	connection := peer.connection
	joined := peer.joined
	self.stateLock.Unlock()

	if channel != nil {
		channel.Close()
	}
	if connection != nil {
		connection.Close()
	}
	self.framer.DropPeer(peerId)

	// best effort: drop the failed peer's record so discovery does not
	// immediately re-pair with a dead peer
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), self.settings.WriteTimeout)
		defer cancel()
		if err := self.substrate.Remove(ctx, self.paths.Peer(peerId)); err != nil {
			glog.V(1).Infof("[peers]record remove for %s failed: %s\n", peerId, err)
		}
	}()

	if joined {
		for _, callback := range self.peerLeftCallbacks.get() {
			callback := callback
			handleCallback(func() {
				callback(peerId)
			})
		}
	}
}

// tears down connections with no recent traffic, and connections that never
// reached connected within the idle window
func (self *PeerManager) CloseStaleConnections() {
	now := time.Now()

	self.stateLock.Lock()
	var stale []Id
	for peerId, peer := range self.connections {
		if peer.joined && self.settings.StaleConnectionTimeout < now.Sub(peer.lastActivity) {
			stale = append(stale, peerId)
		} else if !peer.joined && self.settings.IdlePeerTimeout < now.Sub(peer.createTime) {
			stale = append(stale, peerId)
		}
	}
	self.stateLock.Unlock()

	for _, peerId := range stale {
		glog.Infof("[peers]closing stale connection to %s\n", peerId)
		self.Cleanup(peerId)
	}
}

// drops every connection that is not currently in connected state
func (self *PeerManager) CloseUnconnected() {
	self.stateLock.Lock()
	var drop []Id
	for peerId, peer := range self.connections {
		if peer.state != RtcStateConnected {
			drop = append(drop, peerId)
		}
	}
	self.stateLock.Unlock()

	for _, peerId := range drop {
		self.Cleanup(peerId)
	}
}

func (self *PeerManager) ConnectedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, peer := range self.connections {
		if peer.state == RtcStateConnected {
			count += 1
		}
	}
	return count
}

func (self *PeerManager) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connections)
}

func (self *PeerManager) PeerIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.connections)
}

func (self *PeerManager) emitError(err error, context string) {
	for _, callback := range self.errorCallbacks.get() {
		callback := callback
		handleCallback(func() {
			callback(err, context)
		})
	}
}

// tears down everything: timers, subscriptions, connections. idempotent.
func (self *PeerManager) Close() {
	self.cancel()

	self.stateLock.Lock()
	subscriptions := self.subscriptions
	self.subscriptions = nil
	peerIds := maps.Keys(self.connections)
	self.syncVectors = map[Id][]byte{}
	self.started = false
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		subscription.Unsubscribe()
	}
	self.signaling.Stop()
	for _, peerId := range peerIds {
		self.Cleanup(peerId)
	}
}
