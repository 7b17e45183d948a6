package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	SignalTypeOffer  = "offer"
	SignalTypeAnswer = "answer"
)

// short-lived envelope at signaling/{to}/{autoId}
type SignalEnvelope struct {
	Type      string             `json:"type"`
	Sdp       SessionDescription `json:"sdp"`
	From      Id                 `json:"from"`
	To        Id                 `json:"to"`
	Timestamp int64              `json:"timestamp"`
}

type SignalingSettings struct {
	WriteTimeout time.Duration
	// at this many envelopes within BurstWindow the whole inbox is
	// batch-deleted instead of per-child deletes
	BurstBatchSize int
	BurstWindow    time.Duration
}

func DefaultSignalingSettings() *SignalingSettings {
	return &SignalingSettings{
		WriteTimeout:   10 * time.Second,
		BurstBatchSize: 8,
		BurstWindow:    500 * time.Millisecond,
	}
}

type SignalFunction func(envelope *SignalEnvelope)

// per-peer inbox of sdp offers and answers on the substrate.
// each envelope is consumed exactly once and then deleted.
type SignalingChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	substrate Substrate
	paths     DocPaths
	selfId    Id
	settings  *SignalingSettings

	stateLock      sync.Mutex
	subscription   Subscription
	burstCount     int
	burstStartTime time.Time
}

func NewSignalingChannelWithDefaults(ctx context.Context, substrate Substrate, paths DocPaths, selfId Id) *SignalingChannel {
	return NewSignalingChannel(ctx, substrate, paths, selfId, DefaultSignalingSettings())
}

func NewSignalingChannel(ctx context.Context, substrate Substrate, paths DocPaths, selfId Id, settings *SignalingSettings) *SignalingChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SignalingChannel{
		ctx:       cancelCtx,
		cancel:    cancel,
		substrate: substrate,
		paths:     paths,
		selfId:    selfId,
		settings:  settings,
	}
}

// subscribes to the own inbox. each new envelope is decoded, handed to the
// callback, then deleted. malformed envelopes are deleted and dropped.
func (self *SignalingChannel) Listen(callback SignalFunction) error {
	inbox := self.paths.SignalingInbox(self.selfId)
	subscription, err := self.substrate.SubscribeChildAdded(inbox, func(key string, value json.RawMessage) {
		if value == nil {
			return
		}
		var envelope SignalEnvelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			glog.Infof("[signal]malformed envelope %s: %s\n", key, err)
		} else {
			handleCallback(func() {
				callback(&envelope)
			})
		}
		self.consume(key)
	})
	if err != nil {
		return fmt.Errorf("signaling subscribe failed: %w", err)
	}

	self.stateLock.Lock()
	self.subscription = subscription
	self.stateLock.Unlock()
	return nil
}

// deletes a handled envelope. from the BurstBatchSize-th envelope within
// BurstWindow on, each envelope deletes the whole inbox instead of itself.
func (self *SignalingChannel) consume(key string) {
	inbox := self.paths.SignalingInbox(self.selfId)

	self.stateLock.Lock()
	now := time.Now()
	if self.settings.BurstWindow < now.Sub(self.burstStartTime) {
		self.burstStartTime = now
		self.burstCount = 0
	}
	self.burstCount += 1
	batch := self.settings.BurstBatchSize <= self.burstCount
	self.stateLock.Unlock()

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
	defer cancel()
	if batch {
		if err := self.substrate.Remove(ctx, inbox); err != nil {
			glog.Infof("[signal]inbox batch delete failed: %s\n", err)
		}
		return
	}
	if err := self.substrate.Remove(ctx, joinPath(inbox, key)); err != nil {
		glog.Infof("[signal]envelope delete failed: %s\n", err)
	}
}

// pushes an envelope into the recipient's inbox
func (self *SignalingChannel) Send(ctx context.Context, envelope *SignalEnvelope) error {
	inbox := self.paths.SignalingInbox(envelope.To)
	childPath, err := self.substrate.PushChild(ctx, inbox)
	if err != nil {
		return fmt.Errorf("signaling push failed: %w", err)
	}
	if err := self.substrate.Write(ctx, childPath, envelope); err != nil {
		return fmt.Errorf("signaling write failed: %w", err)
	}
	return nil
}

func (self *SignalingChannel) Stop() {
	self.cancel()

	self.stateLock.Lock()
	subscription := self.subscription
	self.subscription = nil
	self.stateLock.Unlock()

	if subscription != nil {
		subscription.Unsubscribe()
	}
}
