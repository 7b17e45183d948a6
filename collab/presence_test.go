package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		HeartbeatInterval:           30 * time.Millisecond,
		MinVisibilityUpdateInterval: 50 * time.Millisecond,
		StalePeerThreshold:          10 * time.Minute,
		WriteTimeout:                time.Second,
	}
}

func TestPresenceAnnounce(t *testing.T) {
	ctx := context.Background()
	substrate := NewMemorySubstrate()
	paths := testPaths(t)
	selfId := NewId()

	presence := NewPresenceService(ctx, substrate, paths, selfId, testPresenceSettings())
	assert.Equal(t, presence.Announce(ctx), nil)

	value, err := substrate.Read(ctx, paths.Peer(selfId))
	assert.Equal(t, err, nil)
	record, err := parsePeerRecord(value)
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Id, selfId)
	if record.LastSeen == 0 {
		t.Fatal("lastSeen not set")
	}

	// auto-remove binding registered: a dropped connection removes the record
	substrate.CloseConnection()
	value, _ = substrate.Read(ctx, paths.Peer(selfId))
	assert.Equal(t, value, nil)
}

func TestPresenceHeartbeatRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	substrate := NewMemorySubstrate()
	paths := testPaths(t)
	selfId := NewId()

	presence := NewPresenceService(ctx, substrate, paths, selfId, testPresenceSettings())
	assert.Equal(t, presence.Announce(ctx), nil)

	value, _ := substrate.Read(ctx, paths.Peer(selfId))
	first, _ := parsePeerRecord(value)

	presence.Start()
	defer presence.Stop()

	waitFor(t, time.Second, func() bool {
		value, _ := substrate.Read(ctx, paths.Peer(selfId))
		record, err := parsePeerRecord(value)
		return err == nil && first.LastSeen < record.LastSeen
	})
}

func TestPresenceStopIdempotent(t *testing.T) {
	ctx := context.Background()
	substrate := NewMemorySubstrate()
	paths := testPaths(t)
	selfId := NewId()

	presence := NewPresenceService(ctx, substrate, paths, selfId, testPresenceSettings())
	assert.Equal(t, presence.Announce(ctx), nil)

	presence.Stop()
	value, _ := substrate.Read(ctx, paths.Peer(selfId))
	assert.Equal(t, value, nil)

	// a second stop is a no-op
	presence.Stop()
}

func TestPresenceVisibilityRateLimit(t *testing.T) {
	ctx := context.Background()
	inner := NewMemorySubstrate()
	substrate := newCountingSubstrate(inner)
	paths := testPaths(t)
	selfId := NewId()

	presence := NewPresenceService(ctx, substrate, paths, selfId, testPresenceSettings())
	defer presence.Stop()

	presence.NotifyVisible()
	presence.NotifyVisible()
	// only the first transition inside the window heartbeats
	assert.Equal(t, substrate.WriteCount(paths.Peers()), 1)

	time.Sleep(60 * time.Millisecond)
	presence.NotifyVisible()
	assert.Equal(t, substrate.WriteCount(paths.Peers()), 2)
}

func TestPresenceCleanupStalePeers(t *testing.T) {
	ctx := context.Background()
	substrate := NewMemorySubstrate()
	paths := testPaths(t)
	selfId := NewId()
	staleId := NewId()
	freshId := NewId()

	// peer c wrote a record 11 minutes ago and crashed without auto-remove
	now := time.Now().UnixMilli()
	substrate.Write(ctx, paths.Peer(staleId), &PeerRecord{
		Id:       staleId,
		LastSeen: now - (11 * time.Minute).Milliseconds(),
	})
	substrate.Write(ctx, joinPath(paths.SignalingInbox(staleId), "m1"), map[string]string{"type": "offer"})
	substrate.Write(ctx, paths.Peer(freshId), &PeerRecord{
		Id:       freshId,
		LastSeen: now,
	})

	presence := NewPresenceService(ctx, substrate, paths, selfId, testPresenceSettings())
	defer presence.Stop()
	presence.CleanupStalePeers(ctx)

	// the stale record and its inbox are gone, the fresh record remains
	value, _ := substrate.Read(ctx, paths.Peer(staleId))
	assert.Equal(t, value, nil)
	value, _ = substrate.Read(ctx, joinPath(paths.SignalingInbox(staleId), "m1"))
	assert.Equal(t, value, nil)
	value, _ = substrate.Read(ctx, paths.Peer(freshId))
	assert.NotEqual(t, value, nil)
}

func TestPeerRecordToleratesExtraFields(t *testing.T) {
	id := NewId()
	raw := json.RawMessage(`{"id":"` + id.String() + `","lastSeen":123,"color":"#fff","device":"tablet"}`)
	record, err := parsePeerRecord(raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Id, id)
	assert.Equal(t, record.LastSeen, int64(123))
}
