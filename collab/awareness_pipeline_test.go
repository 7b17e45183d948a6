package collab

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAwarenessPipelineCoalesces(t *testing.T) {
	awareness := NewLogAwareness(1)

	var mutex sync.Mutex
	var payloads [][]byte
	pipeline := NewAwarenessPipeline(awareness, NewCompressCodecWithDefaults(), func(payload []byte, compressed bool) {
		mutex.Lock()
		payloads = append(payloads, payload)
		mutex.Unlock()
	}, &AwarenessSettings{Throttle: 30 * time.Millisecond, MaxStates: 50})
	pipeline.Start()
	defer pipeline.Stop()

	// a burst of cursor moves flushes once
	awareness.SetLocalStateField("cursor", 1)
	awareness.SetLocalStateField("cursor", 2)
	awareness.SetLocalStateField("cursor", 3)

	waitFor(t, time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(payloads) == 1
	})

	// the flushed update carries the latest state
	remote := NewLogAwareness(2)
	assert.Equal(t, remote.ApplyUpdate(payloads[0]), nil)
	state := remote.States()[uint64(1)].(map[string]any)
	assert.Equal(t, state["cursor"], float64(3))
}

func TestAwarenessPipelineCardinalityGate(t *testing.T) {
	awareness := NewLogAwareness(1)
	pipeline := NewAwarenessPipeline(awareness, NewCompressCodecWithDefaults(), func(payload []byte, compressed bool) {
	}, &AwarenessSettings{Throttle: 10 * time.Millisecond, MaxStates: 3})
	pipeline.Start()
	defer pipeline.Stop()

	peerId := NewId()
	// fill to the ceiling
	for i := 2; i <= 4; i += 1 {
		source := NewLogAwareness(uint64(i))
		source.SetLocalStateField("cursor", i)
		update := source.EncodeUpdate([]uint64{uint64(i)})
		assert.Equal(t, pipeline.ApplyRemote(peerId, update, false), nil)
	}
	assert.Equal(t, len(awareness.States()), 3)

	// at the ceiling further remote updates drop
	source := NewLogAwareness(99)
	source.SetLocalStateField("cursor", 99)
	update := source.EncodeUpdate([]uint64{99})
	assert.Equal(t, pipeline.ApplyRemote(peerId, update, false), nil)
	assert.Equal(t, len(awareness.States()), 3)
	_, present := awareness.States()[uint64(99)]
	assert.Equal(t, present, false)
}

func TestAwarenessPipelinePrune(t *testing.T) {
	awareness := NewLogAwareness(1)
	awareness.SetLocalStateField("cursor", 0)

	pipeline := NewAwarenessPipeline(awareness, NewCompressCodecWithDefaults(), func(payload []byte, compressed bool) {
	}, &AwarenessSettings{Throttle: 10 * time.Millisecond, MaxStates: 50})
	pipeline.Start()
	defer pipeline.Stop()

	connectedPeer := NewId()
	gonePeer := NewId()

	applyFrom := func(peerId Id, clientId uint64) {
		source := NewLogAwareness(clientId)
		source.SetLocalStateField("cursor", int(clientId))
		update := source.EncodeUpdate([]uint64{clientId})
		if err := pipeline.ApplyRemote(peerId, update, false); err != nil {
			t.Fatal(err)
		}
	}
	applyFrom(connectedPeer, 2)
	applyFrom(gonePeer, 3)
	assert.Equal(t, len(awareness.States()), 3)

	// only self and states from connected peers survive
	pipeline.Prune([]Id{connectedPeer})
	states := awareness.States()
	assert.Equal(t, len(states), 2)
	_, selfPresent := states[uint64(1)]
	_, connectedPresent := states[uint64(2)]
	_, gonePresent := states[uint64(3)]
	assert.Equal(t, selfPresent, true)
	assert.Equal(t, connectedPresent, true)
	assert.Equal(t, gonePresent, false)
}

func TestAwarenessPipelineCompressedRoundTrip(t *testing.T) {
	sender := NewLogAwareness(1)
	codec := NewCompressCodec(&CompressSettings{Threshold: 32})

	var mutex sync.Mutex
	var sentPayload []byte
	var sentCompressed bool
	pipeline := NewAwarenessPipeline(sender, codec, func(payload []byte, compressed bool) {
		mutex.Lock()
		sentPayload = payload
		sentCompressed = compressed
		mutex.Unlock()
	}, &AwarenessSettings{Throttle: 10 * time.Millisecond, MaxStates: 50})
	pipeline.Start()
	defer pipeline.Stop()

	// large enough to clear the compression threshold
	sender.SetLocalStateField("selection", fmt.Sprintf("%0512d", 7))
	waitFor(t, time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return sentPayload != nil
	})

	mutex.Lock()
	payload := sentPayload
	compressed := sentCompressed
	mutex.Unlock()
	assert.Equal(t, compressed, true)

	receiver := NewLogAwareness(2)
	receiverPipeline := NewAwarenessPipeline(receiver, codec, func(payload []byte, compressed bool) {
	}, DefaultAwarenessSettings())
	assert.Equal(t, receiverPipeline.ApplyRemote(NewId(), payload, compressed), nil)
	assert.Equal(t, len(receiver.States()), 1)
}
