package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// durable peer record at rooms/peers/{peerId}.
// consumers tolerate extra fields from other writers.
type PeerRecord struct {
	Id       Id    `json:"id"`
	LastSeen int64 `json:"lastSeen"`
}

type PresenceSettings struct {
	HeartbeatInterval time.Duration
	// floor between visibility-driven forced heartbeats
	MinVisibilityUpdateInterval time.Duration
	// peers with lastSeen older than this are stale
	StalePeerThreshold time.Duration
	WriteTimeout       time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		HeartbeatInterval:           5 * time.Minute,
		MinVisibilityUpdateInterval: 2 * time.Minute,
		StalePeerThreshold:          10 * time.Minute,
		WriteTimeout:                10 * time.Second,
	}
}

// publishes this peer's liveness record and reaps stale records left behind
// by peers that crashed without the auto-remove binding firing
type PresenceService struct {
	ctx    context.Context
	cancel context.CancelFunc

	substrate Substrate
	paths     DocPaths
	selfId    Id
	settings  *PresenceSettings

	// serializes heartbeats: at most one in-flight write
	heartbeatLock sync.Mutex

	stateLock            sync.Mutex
	started              bool
	stopped              bool
	lastVisibilityUpdate time.Time
}

func NewPresenceServiceWithDefaults(ctx context.Context, substrate Substrate, paths DocPaths, selfId Id) *PresenceService {
	return NewPresenceService(ctx, substrate, paths, selfId, DefaultPresenceSettings())
}

func NewPresenceService(ctx context.Context, substrate Substrate, paths DocPaths, selfId Id, settings *PresenceSettings) *PresenceService {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PresenceService{
		ctx:       cancelCtx,
		cancel:    cancel,
		substrate: substrate,
		paths:     paths,
		selfId:    selfId,
		settings:  settings,
	}
}

// registers the auto-remove binding and writes the initial record
func (self *PresenceService) Announce(ctx context.Context) error {
	return self.heartbeat(ctx)
}

// starts the periodic heartbeat
func (self *PresenceService) Start() {
	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		return
	}
	self.started = true
	self.stateLock.Unlock()

	go self.run()
}

func (self *PresenceService) run() {
	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
			if err := self.heartbeat(ctx); err != nil {
				glog.Infof("[presence]heartbeat failed: %s\n", err)
			}
			cancel()
		}
	}
}

// the auto-remove binding is re-applied on every heartbeat because the
// server drops it with the record when a previous connection ended
func (self *PresenceService) heartbeat(ctx context.Context) error {
	self.heartbeatLock.Lock()
	defer self.heartbeatLock.Unlock()

	peerPath := self.paths.Peer(self.selfId)
	if err := self.substrate.BindAutoRemoveOnDisconnect(ctx, peerPath); err != nil {
		return err
	}
	record := &PeerRecord{
		Id:       self.selfId,
		LastSeen: time.Now().UnixMilli(),
	}
	return self.substrate.Write(ctx, peerPath, record)
}

// forces a heartbeat when the page returns to the foreground, rate limited
// by MinVisibilityUpdateInterval
func (self *PresenceService) NotifyVisible() {
	self.stateLock.Lock()
	now := time.Now()
	if now.Sub(self.lastVisibilityUpdate) < self.settings.MinVisibilityUpdateInterval {
		self.stateLock.Unlock()
		return
	}
	self.lastVisibilityUpdate = now
	self.stateLock.Unlock()

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
	defer cancel()
	if err := self.heartbeat(ctx); err != nil {
		glog.Infof("[presence]visibility heartbeat failed: %s\n", err)
	}
}

// removes the own record. idempotent; failures are swallowed.
func (self *PresenceService) Stop() {
	self.stateLock.Lock()
	if self.stopped {
		self.stateLock.Unlock()
		return
	}
	self.stopped = true
	self.stateLock.Unlock()

	self.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), self.settings.WriteTimeout)
	defer cancel()
	if err := self.substrate.Remove(ctx, self.paths.Peer(self.selfId)); err != nil {
		glog.Infof("[presence]remove failed: %s\n", err)
	}
}

// removes peer records (and their signaling inboxes) whose lastSeen is older
// than the stale threshold. errors are logged, not returned.
func (self *PresenceService) CleanupStalePeers(ctx context.Context) {
	cutoff := time.Now().Add(-self.settings.StalePeerThreshold).UnixMilli()
	stale, err := self.substrate.QueryChildrenWhereLE(ctx, self.paths.Peers(), "lastSeen", float64(cutoff))
	if err != nil {
		glog.Infof("[presence]stale peer query failed: %s\n", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, key := range maps.Keys(stale) {
		peerId, err := ParseId(key)
		if err != nil || peerId == self.selfId {
			continue
		}
		wg.Add(1)
		go func(peerId Id) {
			defer wg.Done()
			if err := self.substrate.Remove(ctx, self.paths.Peer(peerId)); err != nil {
				glog.Infof("[presence]stale peer remove failed for %s: %s\n", peerId, err)
			}
			if err := self.substrate.Remove(ctx, self.paths.SignalingInbox(peerId)); err != nil {
				glog.Infof("[presence]stale inbox remove failed for %s: %s\n", peerId, err)
			}
		}(peerId)
	}
	wg.Wait()
}

// decodes a peer record, tolerating extra fields
func parsePeerRecord(value json.RawMessage) (*PeerRecord, error) {
	var record PeerRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
