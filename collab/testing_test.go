package collab

import (
	"context"
	"flag"
	"strings"
	"sync"
	"testing"
	"time"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !condition() {
		t.Fatalf("condition not reached within %s", timeout)
	}
}

// substrate decorator that counts writes per path prefix
type countingSubstrate struct {
	Substrate

	mutex  sync.Mutex
	writes map[string]int
}

func newCountingSubstrate(inner Substrate) *countingSubstrate {
	return &countingSubstrate{
		Substrate: inner,
		writes:    map[string]int{},
	}
}

func (self *countingSubstrate) Write(ctx context.Context, path string, value any) error {
	self.mutex.Lock()
	self.writes[normalizePath(path)] += 1
	self.mutex.Unlock()
	return self.Substrate.Write(ctx, path, value)
}

func (self *countingSubstrate) WriteCount(pathPrefix string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for path, n := range self.writes {
		if strings.HasPrefix(path, pathPrefix) {
			count += n
		}
	}
	return count
}

// substrate decorator that records signal envelopes as they are written
type signalRecordingSubstrate struct {
	Substrate

	mutex     sync.Mutex
	envelopes []*SignalEnvelope
}

func newSignalRecordingSubstrate(inner Substrate) *signalRecordingSubstrate {
	return &signalRecordingSubstrate{
		Substrate: inner,
	}
}

func (self *signalRecordingSubstrate) Write(ctx context.Context, path string, value any) error {
	if strings.Contains(path, "signaling/") {
		if envelope, ok := value.(*SignalEnvelope); ok {
			self.mutex.Lock()
			self.envelopes = append(self.envelopes, envelope)
			self.mutex.Unlock()
		}
	}
	return self.Substrate.Write(ctx, path, value)
}

func (self *signalRecordingSubstrate) Envelopes(signalType string) []*SignalEnvelope {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	var out []*SignalEnvelope
	for _, envelope := range self.envelopes {
		if envelope.Type == signalType {
			out = append(out, envelope)
		}
	}
	return out
}

// session options tuned for fast tests
func testSessionOptions(docId string, substrate Substrate, clientId uint64, connector RtcConnector) *SessionOptions {
	return &SessionOptions{
		DocId:     docId,
		Substrate: substrate,
		Replicas:  &LogReplicaFactory{ClientId: clientId},
		Connector: connector,
		Snapshot: &SnapshotSettings{
			Debounce:         50 * time.Millisecond,
			BackstopInterval: 200 * time.Millisecond,
			WriteTimeout:     time.Second,
		},
		SyncInterval:        200 * time.Millisecond,
		MemoryCheckInterval: 100 * time.Millisecond,
		Update: &UpdatePipelineSettings{
			BatchWindow: 10 * time.Millisecond,
		},
		Awareness: &AwarenessSettings{
			Throttle:  10 * time.Millisecond,
			MaxStates: 50,
		},
	}
}
