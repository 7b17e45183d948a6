package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-process substrate. Used by tests and by collabctl demo mode.
// Semantics follow the realtime-database model the engine was written
// against: subscribing to child-added delivers the existing children first,
// auto-remove bindings fire when the owning connection closes, and the
// server timestamp resolves at write time.
type MemorySubstrate struct {
	stateLock sync.Mutex

	// leaf path -> raw json
	values map[string]json.RawMessage

	addedSubs   map[string][]*memorySubscription
	removedSubs map[string][]*memorySubscription

	autoRemovePaths map[string]bool

	pushCount int
	closed    bool
}

func NewMemorySubstrate() *MemorySubstrate {
	return &MemorySubstrate{
		values:          map[string]json.RawMessage{},
		addedSubs:       map[string][]*memorySubscription{},
		removedSubs:     map[string][]*memorySubscription{},
		autoRemovePaths: map[string]bool{},
	}
}

func (self *MemorySubstrate) Read(ctx context.Context, path string) (json.RawMessage, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[normalizePath(path)]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (self *MemorySubstrate) Write(ctx context.Context, path string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	path = normalizePath(path)

	self.stateLock.Lock()
	_, existed := self.values[path]
	self.values[path] = b
	var notify []func()
	if !existed {
		notify = self.childAddedLocked(path, b)
	}
	self.stateLock.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (self *MemorySubstrate) Remove(ctx context.Context, path string) error {
	path = normalizePath(path)

	self.stateLock.Lock()
	notify := self.removeSubtreeLocked(path)
	self.stateLock.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (self *MemorySubstrate) PushChild(ctx context.Context, path string) (string, error) {
	self.stateLock.Lock()
	self.pushCount += 1
	// time-prefixed so children order by push time, like realtime-db push ids
	key := fmt.Sprintf("%016x%04x", time.Now().UnixNano(), self.pushCount)
	self.stateLock.Unlock()
	return joinPath(path, key), nil
}

func (self *MemorySubstrate) SubscribeChildAdded(path string, callback ChildAddedFunction) (Subscription, error) {
	path = normalizePath(path)
	sub := &memorySubscription{
		substrate: self,
		path:      path,
		added:     callback,
	}

	self.stateLock.Lock()
	self.addedSubs[path] = append(self.addedSubs[path], sub)
	// existing children deliver on subscribe
	existing := self.childrenLocked(path)
	self.stateLock.Unlock()

	keys := maps.Keys(existing)
	slices.Sort(keys)
	for _, key := range keys {
		callback(key, existing[key])
	}
	return sub, nil
}

func (self *MemorySubstrate) SubscribeChildRemoved(path string, callback ChildRemovedFunction) (Subscription, error) {
	path = normalizePath(path)
	sub := &memorySubscription{
		substrate: self,
		path:      path,
		removed:   callback,
	}

	self.stateLock.Lock()
	self.removedSubs[path] = append(self.removedSubs[path], sub)
	self.stateLock.Unlock()
	return sub, nil
}

func (self *MemorySubstrate) BindAutoRemoveOnDisconnect(ctx context.Context, path string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.autoRemovePaths[normalizePath(path)] = true
	return nil
}

func (self *MemorySubstrate) ServerTimestamp() any {
	return memoryServerTimestamp{}
}

func (self *MemorySubstrate) QueryChildrenWhereLE(ctx context.Context, path string, childKey string, max float64) (map[string]json.RawMessage, error) {
	self.stateLock.Lock()
	children := self.childrenLocked(normalizePath(path))
	self.stateLock.Unlock()

	out := map[string]json.RawMessage{}
	for key, value := range children {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(value, &fields); err != nil {
			continue
		}
		var v float64
		if err := json.Unmarshal(fields[childKey], &v); err != nil {
			continue
		}
		if v <= max {
			out[key] = value
		}
	}
	return out, nil
}

// simulates the client connection dropping:
// all auto-remove bindings fire
func (self *MemorySubstrate) CloseConnection() {
	self.stateLock.Lock()
	paths := maps.Keys(self.autoRemovePaths)
	self.autoRemovePaths = map[string]bool{}
	var notify []func()
	for _, path := range paths {
		notify = append(notify, self.removeSubtreeLocked(path)...)
	}
	self.stateLock.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// test visibility
func (self *MemorySubstrate) Snapshot() map[string]json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.values)
}

func (self *MemorySubstrate) childrenLocked(path string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	prefix := path + "/"
	for leaf, value := range self.values {
		if !strings.HasPrefix(leaf, prefix) {
			continue
		}
		rest := leaf[len(prefix):]
		if i := strings.IndexByte(rest, '/'); 0 <= i {
			// a grandchild. surface the child key with no direct value
			key := rest[0:i]
			if _, ok := out[key]; !ok {
				out[key] = nil
			}
		} else {
			out[rest] = value
		}
	}
	return out
}

func (self *MemorySubstrate) childAddedLocked(path string, value json.RawMessage) []func() {
	parent, key := splitPath(path)
	var notify []func()
	for _, sub := range self.addedSubs[parent] {
		callback := sub.added
		notify = append(notify, func() {
			callback(key, value)
		})
	}
	return notify
}

func (self *MemorySubstrate) removeSubtreeLocked(path string) []func() {
	var notify []func()
	removeLeaf := func(leaf string) {
		delete(self.values, leaf)
		parent, key := splitPath(leaf)
		for _, sub := range self.removedSubs[parent] {
			callback := sub.removed
			notify = append(notify, func() {
				callback(key)
			})
		}
	}

	if _, ok := self.values[path]; ok {
		removeLeaf(path)
	}
	prefix := path + "/"
	for _, leaf := range maps.Keys(self.values) {
		if strings.HasPrefix(leaf, prefix) {
			removeLeaf(leaf)
		}
	}
	return notify
}

type memorySubscription struct {
	substrate *MemorySubstrate
	path      string
	added     ChildAddedFunction
	removed   ChildRemovedFunction
}

func (self *memorySubscription) Unsubscribe() {
	substrate := self.substrate
	substrate.stateLock.Lock()
	defer substrate.stateLock.Unlock()

	if self.added != nil {
		subs := substrate.addedSubs[self.path]
		if i := slices.Index(subs, self); 0 <= i {
			substrate.addedSubs[self.path] = slices.Delete(slices.Clone(subs), i, i+1)
		}
	}
	if self.removed != nil {
		subs := substrate.removedSubs[self.path]
		if i := slices.Index(subs, self); 0 <= i {
			substrate.removedSubs[self.path] = slices.Delete(slices.Clone(subs), i, i+1)
		}
	}
}

type memoryServerTimestamp struct{}

func (memoryServerTimestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Now().UnixMilli())
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}

func splitPath(path string) (parent string, key string) {
	if i := strings.LastIndexByte(path, '/'); 0 <= i {
		return path[0:i], path[i+1:]
	}
	return "", path
}
