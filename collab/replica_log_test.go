package collab

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLogDocumentAppend(t *testing.T) {
	doc := NewLogDocument(1)

	var gotUpdate []byte
	var gotOrigin string
	doc.OnUpdate(func(update []byte, origin string) {
		gotUpdate = update
		gotOrigin = origin
	})

	err := doc.AppendText("hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Text(), "hello")
	assert.NotEqual(t, gotUpdate, nil)
	assert.Equal(t, gotOrigin, "local")
}

func TestLogDocumentConvergence(t *testing.T) {
	a := NewLogDocument(1)
	b := NewLogDocument(2)

	a.AppendText("foo")
	b.AppendText("bar")

	// cross-apply in different orders; both converge
	updateA := a.EncodeState()
	updateB := b.EncodeState()
	assert.Equal(t, b.ApplyUpdate(updateA, "test"), nil)
	assert.Equal(t, a.ApplyUpdate(updateB, "test"), nil)

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, a.EncodeStateVector(), b.EncodeStateVector())
}

func TestLogDocumentApplyIdempotent(t *testing.T) {
	a := NewLogDocument(1)
	b := NewLogDocument(2)
	a.AppendText("x")

	update := a.EncodeState()
	notifications := 0
	b.OnUpdate(func(update []byte, origin string) {
		notifications += 1
	})

	assert.Equal(t, b.ApplyUpdate(update, "test"), nil)
	assert.Equal(t, b.ApplyUpdate(update, "test"), nil)
	assert.Equal(t, b.Text(), "x")
	// the second apply is fully known and silent
	assert.Equal(t, notifications, 1)
}

func TestLogDocumentDeltaSince(t *testing.T) {
	a := NewLogDocument(1)
	b := NewLogDocument(2)

	a.AppendText("x")
	b.ApplyUpdate(a.EncodeState(), "test")
	vector := b.EncodeStateVector()

	a.AppendText("y")
	delta := a.EncodeStateAsUpdateSince(vector)
	full := a.EncodeState()
	if len(full) <= len(delta) {
		t.Fatalf("delta (%d) not smaller than full state (%d)", len(delta), len(full))
	}

	b.ApplyUpdate(delta, "test")
	assert.Equal(t, b.Text(), "xy")
}

func TestLogDocumentMergeUpdates(t *testing.T) {
	doc := NewLogDocument(1)

	var updates [][]byte
	doc.OnUpdate(func(update []byte, origin string) {
		updates = append(updates, update)
	})
	doc.AppendText("a")
	doc.AppendText("b")
	doc.AppendText("c")

	merged, err := doc.MergeUpdates(updates)
	assert.Equal(t, err, nil)

	fresh := NewLogDocument(2)
	assert.Equal(t, fresh.ApplyUpdate(merged, "test"), nil)
	assert.Equal(t, fresh.Text(), "abc")
}

func TestLogDocumentConvergenceRandomOrder(t *testing.T) {
	// arbitrary interleavings of the same updates converge
	source := NewLogDocument(1)
	var updates [][]byte
	source.OnUpdate(func(update []byte, origin string) {
		updates = append(updates, update)
	})
	for i := 0; i < 16; i += 1 {
		source.AppendText("w")
	}

	for trial := 0; trial < 8; trial += 1 {
		replica := NewLogDocument(uint64(trial + 10))
		shuffled := make([][]byte, len(updates))
		copy(shuffled, updates)
		mathrand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for _, update := range shuffled {
			replica.ApplyUpdate(update, "test")
		}
		assert.Equal(t, replica.Text(), source.Text())
		assert.Equal(t, replica.EncodeStateVector(), source.EncodeStateVector())
	}
}

func TestLogAwareness(t *testing.T) {
	a := NewLogAwareness(1)
	b := NewLogAwareness(2)

	var added []uint64
	b.OnChange(func(add []uint64, update []uint64, remove []uint64) {
		added = append(added, add...)
	})

	a.SetLocalStateField("cursor", 7)
	update := a.EncodeUpdate([]uint64{1})
	assert.Equal(t, b.ApplyUpdate(update), nil)
	assert.Equal(t, added, []uint64{1})
	assert.Equal(t, len(b.States()), 1)

	// stale clocks do not regress state
	a.SetLocalStateField("cursor", 8)
	fresh := a.EncodeUpdate([]uint64{1})
	assert.Equal(t, b.ApplyUpdate(fresh), nil)
	assert.Equal(t, b.ApplyUpdate(update), nil)
	state := b.States()[uint64(1)].(map[string]any)
	assert.Equal(t, state["cursor"], float64(8))
}

func TestLogAwarenessRemoveStates(t *testing.T) {
	a := NewLogAwareness(1)
	b := NewLogAwareness(2)

	a.SetLocalStateField("cursor", 1)
	b.ApplyUpdate(a.EncodeUpdate([]uint64{1}))

	var removed []uint64
	b.OnChange(func(add []uint64, update []uint64, remove []uint64) {
		removed = append(removed, remove...)
	})
	b.RemoveStates([]uint64{1})
	assert.Equal(t, removed, []uint64{1})
	assert.Equal(t, len(b.States()), 0)

	// idempotent
	b.RemoveStates([]uint64{1})
	assert.Equal(t, len(b.States()), 0)
}
