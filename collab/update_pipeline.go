package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type UpdatePipelineSettings struct {
	// batching window for local updates. each new update resets the timer.
	BatchWindow time.Duration
}

func DefaultUpdatePipelineSettings() *UpdatePipelineSettings {
	return &UpdatePipelineSettings{
		BatchWindow: 50 * time.Millisecond,
	}
}

type BroadcastFunction func(payload []byte)

// batches local document updates and hands one merged update to the
// broadcast path. remote updates are applied with the manager origin so the
// update subscription does not echo them back out.
type UpdatePipeline struct {
	doc      DocumentReplica
	origin   string
	settings *UpdatePipelineSettings

	broadcast BroadcastFunction
	onDirty   func()

	stateLock   sync.Mutex
	pending     [][]byte
	batchTimer  *time.Timer
	unsubscribe func()
	stopped     bool
}

func NewUpdatePipelineWithDefaults(doc DocumentReplica, origin string, broadcast BroadcastFunction, onDirty func()) *UpdatePipeline {
	return NewUpdatePipeline(doc, origin, broadcast, onDirty, DefaultUpdatePipelineSettings())
}

func NewUpdatePipeline(doc DocumentReplica, origin string, broadcast BroadcastFunction, onDirty func(), settings *UpdatePipelineSettings) *UpdatePipeline {
	return &UpdatePipeline{
		doc:       doc,
		origin:    origin,
		settings:  settings,
		broadcast: broadcast,
		onDirty:   onDirty,
	}
}

func (self *UpdatePipeline) Start() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.unsubscribe != nil {
		return
	}
	self.stopped = false
	self.unsubscribe = self.doc.OnUpdate(self.handleUpdate)
}

func (self *UpdatePipeline) handleUpdate(update []byte, origin string) {
	// every update makes the snapshot dirty, local or remote
	if self.onDirty != nil {
		self.onDirty()
	}
	if origin == self.origin {
		// applied by the peer manager. broadcasting it would echo.
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.stopped {
		return
	}
	self.pending = append(self.pending, update)
	if self.batchTimer != nil {
		self.batchTimer.Stop()
	}
	self.batchTimer = time.AfterFunc(self.settings.BatchWindow, self.flush)
}

func (self *UpdatePipeline) flush() {
	self.stateLock.Lock()
	pending := self.pending
	self.pending = nil
	self.batchTimer = nil
	stopped := self.stopped
	self.stateLock.Unlock()

	if stopped || len(pending) == 0 {
		return
	}

	var payload []byte
	if len(pending) == 1 {
		// fast path: nothing to merge
		payload = pending[0]
	} else {
		merged, err := self.doc.MergeUpdates(pending)
		if err != nil {
			glog.Infof("[update]merge failed, sending unmerged: %s\n", err)
			for _, update := range pending {
				self.broadcast(update)
			}
			return
		}
		payload = merged
	}
	self.broadcast(payload)
}

// applies an update received from a peer, tagged so it does not echo
func (self *UpdatePipeline) ApplyRemote(update []byte) error {
	return self.doc.ApplyUpdate(update, self.origin)
}

func (self *UpdatePipeline) Stop() {
	self.stateLock.Lock()
	self.stopped = true
	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	if self.batchTimer != nil {
		self.batchTimer.Stop()
		self.batchTimer = nil
	}
	self.pending = nil
	self.stateLock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
