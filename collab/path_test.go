package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPathConfigFlat(t *testing.T) {
	config := DefaultPathConfig()
	paths, err := config.Resolve("doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, paths.Documents, "documents")
	assert.Equal(t, paths.SnapshotLatest(), "snapshots/latest")
	assert.Equal(t, paths.Peers(), "rooms/peers")

	peerId := NewId()
	assert.Equal(t, paths.Peer(peerId), "rooms/peers/"+peerId.String())
	assert.Equal(t, paths.SignalingInbox(peerId), "signaling/"+peerId.String())
}

func TestPathConfigFlatMissing(t *testing.T) {
	config := &PathConfig{
		Layout: PathLayoutFlat,
		Rooms:  "rooms",
	}
	_, err := config.Resolve("doc-1")
	assert.NotEqual(t, err, nil)
}

func TestPathConfigNested(t *testing.T) {
	config := &PathConfig{
		Layout:   PathLayoutNested,
		BasePath: "/workspaces/w1/",
	}
	paths, err := config.Resolve("doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, paths.Documents, "workspaces/w1/doc-1/documents")
	assert.Equal(t, paths.Rooms, "workspaces/w1/doc-1/rooms")
	assert.Equal(t, paths.Snapshots, "workspaces/w1/doc-1/snapshots")
	assert.Equal(t, paths.Signaling, "workspaces/w1/doc-1/signaling")
}

func TestPathConfigNestedMissing(t *testing.T) {
	config := &PathConfig{
		Layout: PathLayoutNested,
	}
	_, err := config.Resolve("doc-1")
	assert.NotEqual(t, err, nil)

	config.BasePath = "base"
	_, err = config.Resolve("")
	assert.NotEqual(t, err, nil)
}

func TestPathKey(t *testing.T) {
	assert.Equal(t, pathKey("a/b/c"), "c")
	assert.Equal(t, pathKey("c"), "c")
	assert.Equal(t, pathKey("/a/b/"), "b")
}
