package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SessionOptions struct {
	// required
	DocId     string
	Substrate Substrate
	Replicas  ReplicaFactory

	// defaults applied by NewSession
	PeerId         Id
	User           *User
	SyncInterval   time.Duration
	MaxDirectPeers int
	PathConfig     *PathConfig
	Connector      RtcConnector

	// nil means defaults
	Snapshot      *SnapshotSettings
	Presence      *PresenceSettings
	Signaling     *SignalingSettings
	Peers         *PeerManagerSettings
	Framer        *FramerSettings
	Update        *UpdatePipelineSettings
	Awareness     *AwarenessSettings
	Compress      *CompressSettings
	MessageBuffer *MessageBufferSettings

	// interval of the memory governance tick
	MemoryCheckInterval time.Duration
}

const DefaultSyncInterval = 15 * time.Second
const DefaultMemoryCheckInterval = 1 * time.Minute

type MemoryStats struct {
	MessageBufferBytes ByteCount
	ReassemblyBytes    ByteCount
	ConnectionCount    int
	LastCleanup        time.Time
	AwarenessStates    int
}

// composition root. Owns the document and awareness replicas, the substrate
// listeners and the peer mesh, and is the single release path for all of
// them. Components receive narrow capabilities, never the session itself.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	options *SessionOptions
	selfId  Id
	user    *User
	paths   DocPaths

	doc       DocumentReplica
	awareness AwarenessReplica

	codec         *CompressCodec
	framer        *MessageFramer
	messageBuffer *MessageBuffer
	snapshots     *SnapshotStore
	presence      *PresenceService

	events *eventDispatcher

	stateLock         sync.Mutex
	signaling         *SignalingChannel
	peers             *PeerManager
	updatePipeline    *UpdatePipeline
	awarenessPipeline *AwarenessPipeline
	status            ConnectionStatus
	lastCleanup       time.Time
	disconnected      bool
}

func NewSession(ctx context.Context, options *SessionOptions) (*Session, error) {
	if options.DocId == "" {
		return nil, errors.New("doc id is required")
	}
	if options.Substrate == nil {
		return nil, errors.New("substrate is required")
	}
	if options.Replicas == nil {
		return nil, errors.New("replica factory is required")
	}
	if options.PeerId == (Id{}) {
		options.PeerId = NewId()
	}
	if options.User == nil {
		options.User = &User{Name: defaultUserName(options.PeerId)}
	}
	if options.SyncInterval == 0 {
		options.SyncInterval = DefaultSyncInterval
	}
	if options.MaxDirectPeers == 0 {
		options.MaxDirectPeers = DefaultPeerManagerSettings().MaxDirectPeers
	}
	if options.PathConfig == nil {
		options.PathConfig = DefaultPathConfig()
	}
	if options.Connector == nil {
		options.Connector = NewPionConnector()
	}
	if options.MemoryCheckInterval == 0 {
		options.MemoryCheckInterval = DefaultMemoryCheckInterval
	}
	if options.Snapshot == nil {
		options.Snapshot = DefaultSnapshotSettings()
	}
	options.Snapshot.BackstopInterval = options.SyncInterval
	if options.Presence == nil {
		options.Presence = DefaultPresenceSettings()
	}
	if options.Signaling == nil {
		options.Signaling = DefaultSignalingSettings()
	}
	if options.Peers == nil {
		options.Peers = DefaultPeerManagerSettings()
	}
	options.Peers.MaxDirectPeers = options.MaxDirectPeers
	if options.Framer == nil {
		options.Framer = DefaultFramerSettings()
	}
	if options.Update == nil {
		options.Update = DefaultUpdatePipelineSettings()
	}
	if options.Awareness == nil {
		options.Awareness = DefaultAwarenessSettings()
	}
	if options.Compress == nil {
		options.Compress = DefaultCompressSettings()
	}
	if options.MessageBuffer == nil {
		options.MessageBuffer = DefaultMessageBufferSettings()
	}

	paths, err := options.PathConfig.Resolve(options.DocId)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:           cancelCtx,
		cancel:        cancel,
		options:       options,
		selfId:        options.PeerId,
		user:          options.User,
		paths:         paths,
		codec:         NewCompressCodec(options.Compress),
		messageBuffer: NewMessageBuffer(options.MessageBuffer),
		events:        newEventDispatcher(),
		status:        ConnectionStatusConnecting,
		lastCleanup:   time.Now(),
	}

	// (1) replicas, with incremental gc on
	session.doc = options.Replicas.NewDocument()
	session.doc.SetGCEnabled(true)
	session.awareness = options.Replicas.NewAwareness(session.doc)
	session.framer = NewMessageFramer(session.selfId, options.Framer)

	// (2) latest snapshot, before any peer can deliver updates
	session.snapshots = NewSnapshotStore(cancelCtx, options.Substrate, paths, session.doc, options.Snapshot)
	session.loadInitialState()

	// (3) presence
	session.presence = NewPresenceService(cancelCtx, options.Substrate, paths, session.selfId, options.Presence)
	announceCtx, announceCancel := context.WithTimeout(cancelCtx, options.Presence.WriteTimeout)
	if err := session.presence.Announce(announceCtx); err != nil {
		glog.Infof("[session]presence announce failed: %s\n", err)
		session.emitError(err, "presence")
	}
	announceCancel()

	// (5) snapshot loop
	session.snapshots.AddPersistCallback(func(version int) {
		session.events.emit(&Event{
			Name:    EventDocumentPersisted,
			DocId:   options.DocId,
			Version: version,
		})
	})
	session.snapshots.AddErrorCallback(session.emitError)
	session.snapshots.Start()

	// (4)+(6) pipelines and peer mesh
	session.initPeerLayer()

	go session.runMemoryCheck()
	return session, nil
}

func (self *Session) loadInitialState() {
	loadCtx, cancel := context.WithTimeout(self.ctx, self.options.Snapshot.WriteTimeout)
	defer cancel()
	state, err := self.snapshots.Load(loadCtx)
	if err != nil {
		glog.Infof("[session]snapshot load failed: %s\n", err)
		self.emitError(err, "load")
		return
	}
	if state == nil {
		return
	}
	if err := self.doc.ApplyUpdate(state, "snapshot-load"); err != nil {
		// the session continues with an empty document
		glog.Infof("[session]snapshot apply failed: %s\n", err)
		self.emitError(err, "load")
	}
}

// builds the signaling channel, pipelines and peer manager. called at
// construction and again by Reconnect.
func (self *Session) initPeerLayer() {
	signaling := NewSignalingChannel(self.ctx, self.options.Substrate, self.paths, self.selfId, self.options.Signaling)
	peers := NewPeerManager(
		self.ctx,
		self.options.Substrate,
		self.paths,
		self.selfId,
		self.options.Connector,
		self.framer,
		signaling,
		self.presence,
		self.doc,
		self.options.Peers,
	)

	updatePipeline := NewUpdatePipeline(
		self.doc,
		peers.Origin(),
		func(payload []byte) {
			self.messageBuffer.Add(ByteCount(len(payload)))
			peers.BroadcastSync(payload)
		},
		self.snapshots.MarkDirty,
		self.options.Update,
	)
	awarenessPipeline := NewAwarenessPipeline(
		self.awareness,
		self.codec,
		func(payload []byte, compressed bool) {
			self.messageBuffer.Add(ByteCount(len(payload)))
			peers.BroadcastAwareness(payload, compressed)
		},
		self.options.Awareness,
	)

	peers.AddInboundCallback(func(peerId Id, message *InboundMessage) {
		self.handleInbound(peerId, message, updatePipeline, awarenessPipeline)
	})
	peers.AddPeerJoinedCallback(func(peerId Id) {
		self.events.emit(&Event{
			Name:   EventPeerJoined,
			PeerId: peerId,
			User:   &User{Name: defaultUserName(peerId)},
		})
		self.updateStatus()
	})
	peers.AddPeerLeftCallback(func(peerId Id) {
		self.events.emit(&Event{
			Name:   EventPeerLeft,
			PeerId: peerId,
		})
		self.updateStatus()
	})
	peers.AddErrorCallback(self.emitError)

	self.stateLock.Lock()
	self.signaling = signaling
	self.peers = peers
	self.updatePipeline = updatePipeline
	self.awarenessPipeline = awarenessPipeline
	self.stateLock.Unlock()

	updatePipeline.Start()
	awarenessPipeline.Start()
	if err := peers.Init(); err != nil {
		glog.Infof("[session]peer manager init failed: %s\n", err)
		self.emitError(err, "peer-manager")
	}
}

func (self *Session) handleInbound(peerId Id, message *InboundMessage, updatePipeline *UpdatePipeline, awarenessPipeline *AwarenessPipeline) {
	self.messageBuffer.Add(ByteCount(len(message.Update)))

	switch message.Type {
	case MessageTypeSync:
		if err := updatePipeline.ApplyRemote(message.Update); err != nil {
			glog.Infof("[session]remote update apply failed: %s\n", err)
			self.emitError(err, "sync")
			return
		}
		self.events.emit(&Event{
			Name:       EventSyncCompleted,
			DocId:      self.options.DocId,
			UpdateSize: ByteCount(len(message.Update)),
		})
	case MessageTypeAwareness:
		if err := awarenessPipeline.ApplyRemote(peerId, message.Update, message.Compressed); err != nil {
			glog.Infof("[session]remote awareness apply failed: %s\n", err)
			return
		}
		self.events.emit(&Event{
			Name:   EventAwarenessUpdated,
			PeerId: peerId,
		})
	}
}

func (self *Session) runMemoryCheck() {
	ticker := time.NewTicker(self.options.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.memoryCheck()
		}
	}
}

func (self *Session) memoryCheck() {
	self.stateLock.Lock()
	peers := self.peers
	awarenessPipeline := self.awarenessPipeline
	self.lastCleanup = time.Now()
	self.stateLock.Unlock()

	self.messageBuffer.Prune()
	if peers != nil {
		peers.CloseStaleConnections()
		if awarenessPipeline != nil {
			awarenessPipeline.Prune(peers.PeerIds())
		}
	}
}

func (self *Session) updateStatus() {
	self.stateLock.Lock()
	if self.disconnected {
		self.stateLock.Unlock()
		return
	}
	var status ConnectionStatus
	if self.peers != nil && 0 < self.peers.ConnectedCount() {
		status = ConnectionStatusConnected
	} else {
		status = ConnectionStatusConnecting
	}
	changed := status != self.status
	self.status = status
	self.stateLock.Unlock()

	if changed {
		self.events.emit(&Event{
			Name:  EventConnectionStateChanged,
			State: status,
		})
	}
}

func (self *Session) setStatus(status ConnectionStatus) {
	self.stateLock.Lock()
	changed := status != self.status
	self.status = status
	self.stateLock.Unlock()

	if changed {
		self.events.emit(&Event{
			Name:  EventConnectionStateChanged,
			State: status,
		})
	}
}

func (self *Session) On(name EventName, callback EventFunction) {
	self.events.on(name, callback)
}

func (self *Session) Off(name EventName, callback EventFunction) {
	self.events.off(name, callback)
}

func (self *Session) PeerId() Id {
	return self.selfId
}

func (self *Session) User() *User {
	return self.user
}

func (self *Session) Document() DocumentReplica {
	return self.doc
}

func (self *Session) Awareness() AwarenessReplica {
	return self.awareness
}

func (self *Session) GetPeerCount() int {
	self.stateLock.Lock()
	peers := self.peers
	self.stateLock.Unlock()
	if peers == nil {
		return 0
	}
	return peers.ConnectedCount()
}

func (self *Session) GetConnectionStatus() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.disconnected {
		return ConnectionStatusDisconnected
	}
	return self.status
}

func (self *Session) GetMemoryStats() MemoryStats {
	_, bufferBytes := self.messageBuffer.Size()

	self.stateLock.Lock()
	peers := self.peers
	awarenessPipeline := self.awarenessPipeline
	lastCleanup := self.lastCleanup
	self.stateLock.Unlock()

	stats := MemoryStats{
		MessageBufferBytes: bufferBytes,
		ReassemblyBytes:    self.framer.ReassemblyByteCount(),
		LastCleanup:        lastCleanup,
	}
	if peers != nil {
		stats.ConnectionCount = peers.ConnectionCount()
	}
	if awarenessPipeline != nil {
		stats.AwarenessStates = awarenessPipeline.StateCount()
	}
	return stats
}

// awaits an immediate snapshot write regardless of dirtiness
func (self *Session) ForcePersist(ctx context.Context) error {
	return self.snapshots.ForcePersist(ctx)
}

// the document runs incremental gc when enabled, so there is nothing to
// force here. kept for interface compatibility.
func (self *Session) ForceGarbageCollection() {
}

// tears down the peer layer and re-runs the peer-manager init phase
func (self *Session) Reconnect() error {
	self.stateLock.Lock()
	if self.disconnected {
		self.stateLock.Unlock()
		return errors.New("session is disconnected")
	}
	peers := self.peers
	updatePipeline := self.updatePipeline
	awarenessPipeline := self.awarenessPipeline
	self.stateLock.Unlock()

	self.setStatus(ConnectionStatusConnecting)

	if updatePipeline != nil {
		updatePipeline.Stop()
	}
	if awarenessPipeline != nil {
		awarenessPipeline.Stop()
	}
	if peers != nil {
		peers.Close()
	}

	announceCtx, cancel := context.WithTimeout(self.ctx, self.options.Presence.WriteTimeout)
	err := self.presence.Announce(announceCtx)
	cancel()
	if err != nil {
		err = fmt.Errorf("reconnect failed: %w", err)
		self.setStatus(ConnectionStatusDisconnected)
		self.emitError(err, "reconnect")
		return err
	}

	self.initPeerLayer()
	self.setStatus(ConnectionStatusConnected)
	return nil
}

// best-effort synchronous work for page unload: fire-and-forget snapshot
// write and presence removal
func (self *Session) NotifyUnload() {
	self.snapshots.PersistNow()
	go self.presence.Stop()
}

// visibility transitions. hidden keeps connections and lets the heartbeat
// interval govern presence. visible forces a heartbeat and, when every
// connection is limping, drops them so discovery can reform the mesh.
func (self *Session) NotifyVisibility(visible bool) {
	if !visible {
		return
	}
	self.presence.NotifyVisible()

	self.stateLock.Lock()
	peers := self.peers
	self.stateLock.Unlock()
	if peers != nil && peers.ConnectedCount() == 0 && 0 < peers.ConnectionCount() {
		peers.CloseUnconnected()
	}
}

// stops every timer, listener and connection the session owns.
// idempotent and safe to call from any state.
func (self *Session) Disconnect() {
	self.stateLock.Lock()
	if self.disconnected {
		self.stateLock.Unlock()
		return
	}
	self.disconnected = true
	peers := self.peers
	updatePipeline := self.updatePipeline
	awarenessPipeline := self.awarenessPipeline
	self.peers = nil
	self.updatePipeline = nil
	self.awarenessPipeline = nil
	self.stateLock.Unlock()

	if updatePipeline != nil {
		updatePipeline.Stop()
	}
	if awarenessPipeline != nil {
		awarenessPipeline.Stop()
	}
	self.snapshots.Stop()
	if peers != nil {
		peers.Close()
	}
	self.presence.Stop()
	self.cancel()

	self.awareness.Destroy()
	self.doc.Destroy()

	self.setStatus(ConnectionStatusDisconnected)
	self.events.clear()
}

func (self *Session) emitError(err error, context string) {
	self.events.emit(&Event{
		Name:    EventError,
		Err:     err,
		Context: context,
	})
}

func defaultUserName(peerId Id) string {
	return "User-" + peerId.String()[0:6]
}
