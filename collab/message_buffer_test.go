package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMessageBufferCaps(t *testing.T) {
	buffer := NewMessageBuffer(&MessageBufferSettings{
		MaxCount:  10,
		MaxBytes:  ByteCount(100),
		Retention: time.Hour,
	})

	for i := 0; i < 20; i += 1 {
		buffer.Add(ByteCount(5))
	}
	count, byteCount := buffer.Size()
	assert.Equal(t, count, 10)
	assert.Equal(t, byteCount, ByteCount(50))

	// the byte cap evicts before the count cap
	buffer.Add(ByteCount(90))
	count, byteCount = buffer.Size()
	if ByteCount(100) < byteCount {
		t.Fatalf("byte cap exceeded: %d", byteCount)
	}
	if 10 < count {
		t.Fatalf("count cap exceeded: %d", count)
	}
}

func TestMessageBufferRetention(t *testing.T) {
	buffer := NewMessageBuffer(&MessageBufferSettings{
		MaxCount:  100,
		MaxBytes:  mib(1),
		Retention: 10 * time.Millisecond,
	})

	buffer.Add(ByteCount(1))
	buffer.Add(ByteCount(2))
	time.Sleep(20 * time.Millisecond)
	buffer.Prune()

	count, byteCount := buffer.Size()
	assert.Equal(t, count, 0)
	assert.Equal(t, byteCount, ByteCount(0))
}
