package collab

import (
	"errors"
	"fmt"
	"strings"
)

// resolved substrate paths for one document session
type DocPaths struct {
	Documents string
	Rooms     string
	Snapshots string
	Signaling string
}

func (self DocPaths) Peers() string {
	return joinPath(self.Rooms, "peers")
}

func (self DocPaths) Peer(peerId Id) string {
	return joinPath(self.Rooms, "peers", peerId.String())
}

func (self DocPaths) SnapshotLatest() string {
	return joinPath(self.Snapshots, "latest")
}

func (self DocPaths) SnapshotLabeled(label string, ts int64) string {
	return joinPath(self.Snapshots, fmt.Sprintf("%s_%d", label, ts))
}

func (self DocPaths) SignalingInbox(peerId Id) string {
	return joinPath(self.Signaling, peerId.String())
}

type PathLayout int

const (
	PathLayoutFlat PathLayout = iota
	PathLayoutNested
)

// flat supplies the four paths verbatim.
// nested joins a base path with the doc id and appends fixed sub-names.
type PathConfig struct {
	Layout PathLayout

	// flat
	Documents string
	Rooms     string
	Snapshots string
	Signaling string

	// nested
	BasePath string
}

func DefaultPathConfig() *PathConfig {
	return &PathConfig{
		Layout:    PathLayoutFlat,
		Documents: "documents",
		Rooms:     "rooms",
		Snapshots: "snapshots",
		Signaling: "signaling",
	}
}

func (self *PathConfig) Resolve(docId string) (DocPaths, error) {
	switch self.Layout {
	case PathLayoutFlat:
		if self.Documents == "" || self.Rooms == "" || self.Snapshots == "" || self.Signaling == "" {
			return DocPaths{}, errors.New("flat path layout requires documents, rooms, snapshots and signaling paths")
		}
		return DocPaths{
			Documents: self.Documents,
			Rooms:     self.Rooms,
			Snapshots: self.Snapshots,
			Signaling: self.Signaling,
		}, nil
	case PathLayoutNested:
		if self.BasePath == "" {
			return DocPaths{}, errors.New("nested path layout requires a base path")
		}
		if docId == "" {
			return DocPaths{}, errors.New("nested path layout requires a doc id")
		}
		docPath := joinPath(self.BasePath, docId)
		return DocPaths{
			Documents: joinPath(docPath, "documents"),
			Rooms:     joinPath(docPath, "rooms"),
			Snapshots: joinPath(docPath, "snapshots"),
			Signaling: joinPath(docPath, "signaling"),
		}, nil
	default:
		return DocPaths{}, fmt.Errorf("unknown path layout: %d", self.Layout)
	}
}

func joinPath(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			trimmed = append(trimmed, part)
		}
	}
	return strings.Join(trimmed, "/")
}

// last segment of a substrate path
func pathKey(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.LastIndexByte(path, '/'); 0 <= i {
		return path[i+1:]
	}
	return path
}
