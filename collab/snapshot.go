package collab

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// durable snapshot record at snapshots/latest
type SnapshotRecord struct {
	Update      string `json:"update"`
	StateVector string `json:"stateVector"`
	UpdatedAt   any    `json:"updatedAt"`
	Version     int    `json:"version"`
	Checksum    string `json:"checksum"`
}

// legacy flat document record, load-only
type legacyDocumentRecord struct {
	Update string `json:"update"`
}

type SnapshotSettings struct {
	// quiet window after a change before the flush
	Debounce time.Duration
	// periodic dirtiness check in case a debounced flush failed
	BackstopInterval time.Duration
	WriteTimeout     time.Duration
}

func DefaultSnapshotSettings() *SnapshotSettings {
	return &SnapshotSettings{
		Debounce:         2 * time.Second,
		BackstopInterval: 15 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

type PersistFunction func(version int)

// change-driven, debounced persistence of the document to the substrate.
// The dirtiness gate is state-vector byte equality, which keeps the
// steady-state cost independent of document size.
type SnapshotStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	substrate Substrate
	paths     DocPaths
	doc       DocumentReplica
	settings  *SnapshotSettings

	persistCallbacks callbackList[PersistFunction]
	errorCallbacks   callbackList[ErrorFunction]

	stateLock           sync.Mutex
	dirty               bool
	lastPersistedVector []byte
	version             int
	flushTimer          *time.Timer
	started             bool
}

func NewSnapshotStoreWithDefaults(ctx context.Context, substrate Substrate, paths DocPaths, doc DocumentReplica) *SnapshotStore {
	return NewSnapshotStore(ctx, substrate, paths, doc, DefaultSnapshotSettings())
}

func NewSnapshotStore(ctx context.Context, substrate Substrate, paths DocPaths, doc DocumentReplica, settings *SnapshotSettings) *SnapshotStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SnapshotStore{
		ctx:       cancelCtx,
		cancel:    cancel,
		substrate: substrate,
		paths:     paths,
		doc:       doc,
		settings:  settings,
	}
}

func (self *SnapshotStore) AddPersistCallback(callback PersistFunction) {
	self.persistCallbacks.add(callback)
}

func (self *SnapshotStore) AddErrorCallback(callback ErrorFunction) {
	self.errorCallbacks.add(callback)
}

// reads the latest snapshot, falling back to the legacy documents record.
// absent returns (nil, nil).
func (self *SnapshotStore) Load(ctx context.Context) ([]byte, error) {
	value, err := self.substrate.Read(ctx, self.paths.SnapshotLatest())
	if err != nil {
		return nil, fmt.Errorf("snapshot read failed: %w", err)
	}
	if value != nil {
		var record SnapshotRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return nil, fmt.Errorf("snapshot decode failed: %w", err)
		}
		update, err := base64.StdEncoding.DecodeString(record.Update)
		if err != nil {
			return nil, fmt.Errorf("snapshot decode failed: %w", err)
		}
		return update, nil
	}

	// older clients wrote the full state to the flat documents record
	value, err = self.substrate.Read(ctx, self.paths.Documents)
	if err != nil {
		return nil, fmt.Errorf("legacy document read failed: %w", err)
	}
	if value == nil {
		return nil, nil
	}
	var record legacyDocumentRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("legacy document decode failed: %w", err)
	}
	if record.Update == "" {
		return nil, nil
	}
	update, err := base64.StdEncoding.DecodeString(record.Update)
	if err != nil {
		return nil, fmt.Errorf("legacy document decode failed: %w", err)
	}
	return update, nil
}

// starts the backstop loop
func (self *SnapshotStore) Start() {
	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		return
	}
	self.started = true
	self.stateLock.Unlock()

	go self.run()
}

func (self *SnapshotStore) run() {
	ticker := time.NewTicker(self.settings.BackstopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.flush(false)
		}
	}
}

// called on every document update. schedules a debounced flush.
func (self *SnapshotStore) MarkDirty() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.dirty = true
	if self.flushTimer != nil {
		self.flushTimer.Stop()
	}
	self.flushTimer = time.AfterFunc(self.settings.Debounce, func() {
		self.flush(false)
	})
}

// immediate write regardless of dirtiness
func (self *SnapshotStore) ForcePersist(ctx context.Context) error {
	return self.persist(ctx)
}

// best effort write for unload paths. does not wait for a slow substrate.
func (self *SnapshotStore) PersistNow() {
	ctx, cancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
	go func() {
		defer cancel()
		if err := self.persist(ctx); err != nil {
			glog.Infof("[snapshot]unload persist failed: %s\n", err)
		}
	}()
}

func (self *SnapshotStore) flush(force bool) {
	self.stateLock.Lock()
	dirty := self.dirty
	lastVector := self.lastPersistedVector
	self.stateLock.Unlock()

	if !force && !dirty {
		return
	}
	// vector equality means every update is already persisted
	if !force && lastVector != nil && bytes.Equal(lastVector, self.doc.EncodeStateVector()) {
		self.stateLock.Lock()
		self.dirty = false
		self.stateLock.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
	defer cancel()
	if err := self.persist(ctx); err != nil {
		glog.Infof("[snapshot]flush failed: %s\n", err)
		for _, callback := range self.errorCallbacks.get() {
			handleCallback(func() {
				callback(err, "persistence")
			})
		}
	}
}

func (self *SnapshotStore) persist(ctx context.Context) error {
	state := self.doc.EncodeState()
	stateVector := self.doc.EncodeStateVector()

	self.stateLock.Lock()
	version := self.version
	self.stateLock.Unlock()

	record := &SnapshotRecord{
		Update:      base64.StdEncoding.EncodeToString(state),
		StateVector: base64.StdEncoding.EncodeToString(stateVector),
		UpdatedAt:   self.substrate.ServerTimestamp(),
		Version:     version,
		Checksum:    ChecksumHex(state),
	}
	if err := self.substrate.Write(ctx, self.paths.SnapshotLatest(), record); err != nil {
		return fmt.Errorf("snapshot write failed: %w", err)
	}

	self.stateLock.Lock()
	self.dirty = false
	self.lastPersistedVector = stateVector
	self.version = version + 1
	self.stateLock.Unlock()

	glog.V(1).Infof("[snapshot]persisted version %d (%d bytes)\n", version, len(state))
	for _, callback := range self.persistCallbacks.get() {
		handleCallback(func() {
			callback(version)
		})
	}
	return nil
}

// writes a labeled snapshot at snapshots/{label}_{ts}.
// no retention policy applies to labeled snapshots.
func (self *SnapshotStore) SaveLabeled(ctx context.Context, label string) error {
	state := self.doc.EncodeState()
	record := &SnapshotRecord{
		Update:      base64.StdEncoding.EncodeToString(state),
		StateVector: base64.StdEncoding.EncodeToString(self.doc.EncodeStateVector()),
		UpdatedAt:   self.substrate.ServerTimestamp(),
		Version:     self.Version(),
		Checksum:    ChecksumHex(state),
	}
	path := self.paths.SnapshotLabeled(label, time.Now().UnixMilli())
	if err := self.substrate.Write(ctx, path, record); err != nil {
		return fmt.Errorf("labeled snapshot write failed: %w", err)
	}
	return nil
}

func (self *SnapshotStore) Version() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

func (self *SnapshotStore) Stop() {
	self.cancel()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
}

// lowercase hex sha-256 over the raw full-state bytes
func ChecksumHex(state []byte) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}
