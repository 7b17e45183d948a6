package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type AwarenessSettings struct {
	// debounce for local awareness broadcasts
	Throttle time.Duration
	// remote updates are dropped at this many tracked states
	MaxStates int
}

func DefaultAwarenessSettings() *AwarenessSettings {
	return &AwarenessSettings{
		Throttle:  75 * time.Millisecond,
		MaxStates: 50,
	}
}

type AwarenessBroadcastFunction func(payload []byte, compressed bool)

// throttled fan-out of local awareness changes, and bounded application of
// remote awareness state
type AwarenessPipeline struct {
	awareness AwarenessReplica
	codec     *CompressCodec
	settings  *AwarenessSettings

	broadcast AwarenessBroadcastFunction

	stateLock   sync.Mutex
	pendingIds  map[uint64]bool
	flushTimer  *time.Timer
	unsubscribe func()
	stopped     bool

	// remote client id -> peer that delivered it, for pruning
	clientOrigins map[uint64]Id
	applyPeer     *Id
}

func NewAwarenessPipelineWithDefaults(awareness AwarenessReplica, codec *CompressCodec, broadcast AwarenessBroadcastFunction) *AwarenessPipeline {
	return NewAwarenessPipeline(awareness, codec, broadcast, DefaultAwarenessSettings())
}

func NewAwarenessPipeline(awareness AwarenessReplica, codec *CompressCodec, broadcast AwarenessBroadcastFunction, settings *AwarenessSettings) *AwarenessPipeline {
	return &AwarenessPipeline{
		awareness:     awareness,
		codec:         codec,
		settings:      settings,
		broadcast:     broadcast,
		pendingIds:    map[uint64]bool{},
		clientOrigins: map[uint64]Id{},
	}
}

func (self *AwarenessPipeline) Start() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.unsubscribe != nil {
		return
	}
	self.stopped = false
	self.unsubscribe = self.awareness.OnChange(self.handleChange)
}

// accumulates the union of changed client ids and debounces the flush.
// only the latest pending set is flushed.
func (self *AwarenessPipeline) handleChange(added []uint64, updated []uint64, removed []uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.stopped {
		return
	}

	if self.applyPeer != nil {
		// changes surfacing from a remote apply. attribute them for the
		// pruning pass and do not rebroadcast.
		for _, clientId := range added {
			self.clientOrigins[clientId] = *self.applyPeer
		}
		for _, clientId := range updated {
			self.clientOrigins[clientId] = *self.applyPeer
		}
		for _, clientId := range removed {
			delete(self.clientOrigins, clientId)
		}
		return
	}

	for _, clientId := range added {
		self.pendingIds[clientId] = true
	}
	for _, clientId := range updated {
		self.pendingIds[clientId] = true
	}
	for _, clientId := range removed {
		self.pendingIds[clientId] = true
	}
	if self.flushTimer != nil {
		self.flushTimer.Stop()
	}
	self.flushTimer = time.AfterFunc(self.settings.Throttle, self.flush)
}

func (self *AwarenessPipeline) flush() {
	self.stateLock.Lock()
	pendingIds := maps.Keys(self.pendingIds)
	self.pendingIds = map[uint64]bool{}
	self.flushTimer = nil
	stopped := self.stopped
	self.stateLock.Unlock()

	if stopped || len(pendingIds) == 0 {
		return
	}

	// one encode for the whole set
	payload := self.awareness.EncodeUpdate(pendingIds)
	payload, compressed := self.codec.Compress(payload)
	self.broadcast(payload, compressed)
}

// applies a remote awareness update, decompressing when flagged and
// enforcing the cardinality ceiling
func (self *AwarenessPipeline) ApplyRemote(peerId Id, update []byte, compressed bool) error {
	if compressed {
		var err error
		update, err = self.codec.Decompress(update)
		if err != nil {
			return fmt.Errorf("awareness decompress failed: %w", err)
		}
	}

	if self.settings.MaxStates <= len(self.awareness.States()) {
		glog.V(1).Infof("[awareness]at max states (%d), dropping update from %s\n", self.settings.MaxStates, peerId)
		return nil
	}

	self.stateLock.Lock()
	self.applyPeer = &peerId
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		self.applyPeer = nil
		self.stateLock.Unlock()
	}()

	return self.awareness.ApplyUpdate(update)
}

// removes states whose client id is neither self nor attributed to a
// currently connected peer. called from the memory check tick.
func (self *AwarenessPipeline) Prune(connectedPeers []Id) {
	connected := map[Id]bool{}
	for _, peerId := range connectedPeers {
		connected[peerId] = true
	}
	selfClientId := self.awareness.ClientId()

	self.stateLock.Lock()
	var remove []uint64
	for clientId := range self.awareness.States() {
		if clientId == selfClientId {
			continue
		}
		peerId, tracked := self.clientOrigins[clientId]
		if !tracked || !connected[peerId] {
			remove = append(remove, clientId)
		}
	}
	for _, clientId := range remove {
		delete(self.clientOrigins, clientId)
	}
	self.stateLock.Unlock()

	if 0 < len(remove) {
		self.awareness.RemoveStates(remove)
	}
}

func (self *AwarenessPipeline) StateCount() int {
	return len(self.awareness.States())
}

func (self *AwarenessPipeline) Stop() {
	self.stateLock.Lock()
	self.stopped = true
	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
	self.pendingIds = map[uint64]bool{}
	self.stateLock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
