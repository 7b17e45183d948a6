package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/redis/go-redis/v9"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type RedisSubstrateSettings struct {
	// namespace prefix for every key
	Prefix string
	// ttl applied to auto-remove bound records. Refreshed on every write,
	// so a record outlives its writer by at most this long.
	BindTTL time.Duration
}

func DefaultRedisSubstrateSettings() *RedisSubstrateSettings {
	return &RedisSubstrateSettings{
		Prefix:  "collab",
		BindTTL: 12 * time.Minute,
	}
}

// substrate adapter over redis. Values live at {prefix}:v:{path}, a child
// index per parent at {prefix}:c:{parent}, and child events fan out on one
// pub/sub channel. Auto-remove-on-disconnect approximates the realtime-db
// binding with a ttl refreshed by the heartbeat writes.
type RedisSubstrate struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   redis.UniversalClient
	settings *RedisSubstrateSettings

	stateLock   sync.Mutex
	addedSubs   map[string][]*redisSubscription
	removedSubs map[string][]*redisSubscription
	boundPaths  map[string]bool
	pushCount   int
	started     bool
}

type redisChildEvent struct {
	Op     string          `json:"op"`
	Parent string          `json:"parent"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func NewRedisSubstrateWithDefaults(ctx context.Context, client redis.UniversalClient) *RedisSubstrate {
	return NewRedisSubstrate(ctx, client, DefaultRedisSubstrateSettings())
}

func NewRedisSubstrate(ctx context.Context, client redis.UniversalClient, settings *RedisSubstrateSettings) *RedisSubstrate {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisSubstrate{
		ctx:         cancelCtx,
		cancel:      cancel,
		client:      client,
		settings:    settings,
		addedSubs:   map[string][]*redisSubscription{},
		removedSubs: map[string][]*redisSubscription{},
		boundPaths:  map[string]bool{},
	}
}

func (self *RedisSubstrate) valueKey(path string) string {
	return fmt.Sprintf("%s:v:%s", self.settings.Prefix, normalizePath(path))
}

func (self *RedisSubstrate) childrenKey(parent string) string {
	return fmt.Sprintf("%s:c:%s", self.settings.Prefix, normalizePath(parent))
}

func (self *RedisSubstrate) eventsChannel() string {
	return fmt.Sprintf("%s:events", self.settings.Prefix)
}

func (self *RedisSubstrate) Read(ctx context.Context, path string) (json.RawMessage, error) {
	value, err := self.client.Get(ctx, self.valueKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (self *RedisSubstrate) Write(ctx context.Context, path string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	path = normalizePath(path)
	parent, key := splitPath(path)

	var ttl time.Duration
	self.stateLock.Lock()
	if self.boundPaths[path] {
		ttl = self.settings.BindTTL
	}
	self.stateLock.Unlock()

	existed, err := self.client.SIsMember(ctx, self.childrenKey(parent), key).Result()
	if err != nil {
		return err
	}
	pipe := self.client.TxPipeline()
	pipe.Set(ctx, self.valueKey(path), b, ttl)
	pipe.SAdd(ctx, self.childrenKey(parent), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if !existed {
		self.publish(ctx, &redisChildEvent{
			Op:     "added",
			Parent: parent,
			Key:    key,
			Value:  b,
		})
	}
	return nil
}

func (self *RedisSubstrate) Remove(ctx context.Context, path string) error {
	path = normalizePath(path)

	// the subtree: the path itself plus everything indexed under it
	var removeLeaf func(leaf string) error
	removeLeaf = func(leaf string) error {
		children, err := self.client.SMembers(ctx, self.childrenKey(leaf)).Result()
		if err != nil {
			return err
		}
		for _, key := range children {
			if err := removeLeaf(joinPath(leaf, key)); err != nil {
				return err
			}
		}

		existed, err := self.client.Del(ctx, self.valueKey(leaf)).Result()
		if err != nil {
			return err
		}
		parent, key := splitPath(leaf)
		if err := self.client.SRem(ctx, self.childrenKey(parent), key).Err(); err != nil {
			return err
		}
		if 0 < existed {
			self.publish(ctx, &redisChildEvent{
				Op:     "removed",
				Parent: parent,
				Key:    key,
			})
		}
		return nil
	}
	return removeLeaf(path)
}

func (self *RedisSubstrate) PushChild(ctx context.Context, path string) (string, error) {
	count, err := self.client.Incr(ctx, fmt.Sprintf("%s:push", self.settings.Prefix)).Result()
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%016x%04x", time.Now().UnixNano(), count&0xffff)
	return joinPath(path, key), nil
}

func (self *RedisSubstrate) SubscribeChildAdded(path string, callback ChildAddedFunction) (Subscription, error) {
	if err := self.start(); err != nil {
		return nil, err
	}
	path = normalizePath(path)
	sub := &redisSubscription{
		substrate: self,
		path:      path,
		added:     callback,
	}

	self.stateLock.Lock()
	self.addedSubs[path] = append(self.addedSubs[path], sub)
	self.stateLock.Unlock()

	// existing children deliver on subscribe
	ctx, cancel := context.WithTimeout(self.ctx, 10*time.Second)
	defer cancel()
	keys, err := self.client.SMembers(ctx, self.childrenKey(path)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	for _, key := range keys {
		value, err := self.Read(ctx, joinPath(path, key))
		if err != nil || value == nil {
			continue
		}
		callback(key, value)
	}
	return sub, nil
}

func (self *RedisSubstrate) SubscribeChildRemoved(path string, callback ChildRemovedFunction) (Subscription, error) {
	if err := self.start(); err != nil {
		return nil, err
	}
	path = normalizePath(path)
	sub := &redisSubscription{
		substrate: self,
		path:      path,
		removed:   callback,
	}

	self.stateLock.Lock()
	self.removedSubs[path] = append(self.removedSubs[path], sub)
	self.stateLock.Unlock()
	return sub, nil
}

func (self *RedisSubstrate) BindAutoRemoveOnDisconnect(ctx context.Context, path string) error {
	path = normalizePath(path)

	self.stateLock.Lock()
	self.boundPaths[path] = true
	self.stateLock.Unlock()

	// apply the ttl to an already-written record
	err := self.client.Expire(ctx, self.valueKey(path), self.settings.BindTTL).Err()
	if err != nil {
		return err
	}
	return nil
}

func (self *RedisSubstrate) ServerTimestamp() any {
	// redis has no write-time sentinel; client clock is the best available
	return time.Now().UnixMilli()
}

func (self *RedisSubstrate) QueryChildrenWhereLE(ctx context.Context, path string, childKey string, max float64) (map[string]json.RawMessage, error) {
	path = normalizePath(path)
	keys, err := self.client.SMembers(ctx, self.childrenKey(path)).Result()
	if err != nil {
		return nil, err
	}

	out := map[string]json.RawMessage{}
	for _, key := range keys {
		value, err := self.Read(ctx, joinPath(path, key))
		if err != nil || value == nil {
			continue
		}
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

// removes bound records and stops the event loop
func (self *RedisSubstrate) Close() {
	self.stateLock.Lock()
	bound := maps.Keys(self.boundPaths)
	self.boundPaths = map[string]bool{}
	self.stateLock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, path := range bound {
		if err := self.Remove(ctx, path); err != nil {
			glog.Infof("[redis]bound remove failed for %s: %s\n", path, err)
		}
	}
	self.cancel()
}

func (self *RedisSubstrate) start() error {
	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		return nil
	}
	self.started = true
	self.stateLock.Unlock()

	pubsub := self.client.Subscribe(self.ctx, self.eventsChannel())
	// force the subscription before events can matter
	if _, err := pubsub.Receive(self.ctx); err != nil {
		pubsub.Close()
		self.stateLock.Lock()
		self.started = false
		self.stateLock.Unlock()
		return err
	}

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-self.ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				self.dispatch([]byte(message.Payload))
			}
		}
	}()
	return nil
}

func (self *RedisSubstrate) dispatch(payload []byte) {
	var event redisChildEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		glog.Infof("[redis]bad event: %s\n", err)
		return
	}

	self.stateLock.Lock()
	var added []ChildAddedFunction
	var removed []ChildRemovedFunction
	for _, sub := range self.addedSubs[event.Parent] {
		added = append(added, sub.added)
	}
	for _, sub := range self.removedSubs[event.Parent] {
		removed = append(removed, sub.removed)
	}
	self.stateLock.Unlock()

	switch event.Op {
	case "added":
		for _, callback := range added {
			callback(event.Key, event.Value)
		}
	case "removed":
		for _, callback := range removed {
			callback(event.Key)
		}
	}
}

func (self *RedisSubstrate) publish(ctx context.Context, event *redisChildEvent) {
	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := self.client.Publish(ctx, self.eventsChannel(), b).Err(); err != nil {
		glog.Infof("[redis]publish failed: %s\n", err)
	}
}

type redisSubscription struct {
	substrate *RedisSubstrate
	path      string
	added     ChildAddedFunction
	removed   ChildRemovedFunction
}

func (self *redisSubscription) Unsubscribe() {
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
