package collab

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func startRelay(t *testing.T) (string, *MemorySubstrate, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	backing := NewMemorySubstrate()
	server := httptest.NewServer(NewRelayServer(ctx, backing))
	relayUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	return relayUrl, backing, func() {
		cancel()
		server.Close()
	}
}

func TestWsSubstrateReadWrite(t *testing.T) {
	relayUrl, _, stop := startRelay(t)
	defer stop()

	ctx := context.Background()
	substrate := NewWsSubstrateWithDefaults(ctx, relayUrl)
	defer substrate.Close()

	assert.Equal(t, substrate.Write(ctx, "a/b", map[string]int{"x": 1}), nil)
	value, err := substrate.Read(ctx, "a/b")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(value), `{"x":1}`)

	assert.Equal(t, substrate.Remove(ctx, "a/b"), nil)
	value, err = substrate.Read(ctx, "a/b")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, nil)
}

func TestWsSubstrateChildEventsAcrossClients(t *testing.T) {
	relayUrl, _, stop := startRelay(t)
	defer stop()

	ctx := context.Background()
	writer := NewWsSubstrateWithDefaults(ctx, relayUrl)
	defer writer.Close()
	watcher := NewWsSubstrateWithDefaults(ctx, relayUrl)
	defer watcher.Close()

	var mutex sync.Mutex
	added := map[string]string{}
	_, err := watcher.SubscribeChildAdded("inbox", func(key string, value json.RawMessage) {
		mutex.Lock()
		added[key] = string(value)
		mutex.Unlock()
	})
	assert.Equal(t, err, nil)

	childPath, err := writer.PushChild(ctx, "inbox")
	assert.Equal(t, err, nil)
	assert.Equal(t, writer.Write(ctx, childPath, map[string]int{"n": 7}), nil)

	waitFor(t, 3*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(added) == 1
	})

	mutex.Lock()
	assert.Equal(t, added[pathKey(childPath)], `{"n":7}`)
	mutex.Unlock()
}

func TestWsSubstrateServerTimestamp(t *testing.T) {
	relayUrl, backing, stop := startRelay(t)
	defer stop()

	ctx := context.Background()
	substrate := NewWsSubstrateWithDefaults(ctx, relayUrl)
	defer substrate.Close()

	before := time.Now().UnixMilli()
	err := substrate.Write(ctx, "stamped", map[string]any{
		"at": substrate.ServerTimestamp(),
	})
	assert.Equal(t, err, nil)

	value, _ := backing.Read(ctx, "stamped")
	var record map[string]int64
	assert.Equal(t, json.Unmarshal(value, &record), nil)
	if record["at"] < before {
		t.Fatalf("timestamp not resolved: %v", record["at"])
	}
}

func TestWsSubstrateAutoRemoveOnDisconnect(t *testing.T) {
	relayUrl, backing, stop := startRelay(t)
	defer stop()

	ctx := context.Background()
	substrate := NewWsSubstrateWithDefaults(ctx, relayUrl)

	assert.Equal(t, substrate.Write(ctx, "peers/p1", 1), nil)
	assert.Equal(t, substrate.BindAutoRemoveOnDisconnect(ctx, "peers/p1"), nil)

	// dropping the client connection fires the binding on the relay
	substrate.Close()
	waitFor(t, 3*time.Second, func() bool {
		value, _ := backing.Read(ctx, "peers/p1")
		return value == nil
	})
}

func TestWsSubstrateQuery(t *testing.T) {
	relayUrl, _, stop := startRelay(t)
	defer stop()

	ctx := context.Background()
	substrate := NewWsSubstrateWithDefaults(ctx, relayUrl)
	defer substrate.Close()

	substrate.Write(ctx, "peers/old", map[string]int64{"lastSeen": 10})
	substrate.Write(ctx, "peers/new", map[string]int64{"lastSeen": 500})

	stale, err := substrate.QueryChildrenWhereLE(ctx, "peers", "lastSeen", 100)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(stale), 1)
	_, ok := stale["old"]
	assert.Equal(t, ok, true)
}
