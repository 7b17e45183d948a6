package collab

import (
	"context"
	"encoding/json"
)

// Substrate is the hierarchical realtime key-value store the engine uses for
// peer discovery, signaling and durable snapshots. Implementations are
// injected by the embedder; the engine never assumes more than this contract.
//
// Values read from the substrate are raw JSON. Values written are marshaled
// with encoding/json, except that ServerTimestamp() sentinels pass through
// for the implementation to resolve server-side.
type Substrate interface {
	// one-shot read. absent values return (nil, nil)
	Read(ctx context.Context, path string) (json.RawMessage, error)

	// atomic set of the subtree at path
	Write(ctx context.Context, path string, value any) error

	Remove(ctx context.Context, path string) error

	// allocates a new auto-id child under path and returns its full path
	PushChild(ctx context.Context, path string) (string, error)

	SubscribeChildAdded(path string, callback ChildAddedFunction) (Subscription, error)

	SubscribeChildRemoved(path string, callback ChildRemovedFunction) (Subscription, error)

	// server-side removal of path when this client's connection drops
	BindAutoRemoveOnDisconnect(ctx context.Context, path string) error

	// sentinel resolved to the server clock on write
	ServerTimestamp() any

	// children of path where child[childKey] <= max
	QueryChildrenWhereLE(ctx context.Context, path string, childKey string, max float64) (map[string]json.RawMessage, error)
}

type ChildAddedFunction func(key string, value json.RawMessage)

type ChildRemovedFunction func(key string)

type Subscription interface {
	Unsubscribe()
}
