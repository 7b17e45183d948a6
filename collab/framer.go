package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

const (
	MessageTypeSync      = "sync"
	MessageTypeSyncChunk = "sync-chunk"
	MessageTypeAwareness = "awareness"
)

// wire updates are json arrays of byte values, e.g. "update":[1,2,3]
type wireBytes []byte

func (self wireBytes) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('[')
	for i, b := range self {
		if 0 < i {
			buff.WriteByte(',')
		}
		buff.WriteString(strconv.Itoa(int(b)))
	}
	buff.WriteByte(']')
	return buff.Bytes(), nil
}

func (self *wireBytes) UnmarshalJSON(src []byte) error {
	var values []int
	if err := json.Unmarshal(src, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || 255 < v {
			return fmt.Errorf("byte value out of range: %d", v)
		}
		out[i] = byte(v)
	}
	*self = out
	return nil
}

type wireEnvelope struct {
	Type        string    `json:"type"`
	Update      wireBytes `json:"update"`
	MessageId   string    `json:"messageId,omitempty"`
	Chunk       *int      `json:"chunk,omitempty"`
	TotalChunks int       `json:"totalChunks,omitempty"`
	Compressed  bool      `json:"compressed,omitempty"`
}

// a fully reassembled inbound message
type InboundMessage struct {
	Type       string
	Update     []byte
	Compressed bool
}

type FramerSettings struct {
	MaxChunkSize    ByteCount
	ChunkHeaderSize ByteCount
	// outbound sync updates below this size are no-ops and are not framed
	MinUpdateSize ByteCount
}

func DefaultFramerSettings() *FramerSettings {
	return &FramerSettings{
		MaxChunkSize:    kib(32),
		ChunkHeaderSize: ByteCount(256),
		MinUpdateSize:   ByteCount(3),
	}
}

// frames payloads into sync/sync-chunk/awareness envelopes and reassembles
// chunked messages per (peer, messageId)
type MessageFramer struct {
	selfId   Id
	settings *FramerSettings

	stateLock sync.Mutex
	// peer -> messageId -> partial message
	reassembly map[Id]map[string]*reassemblyBuffer
}

func NewMessageFramerWithDefaults(selfId Id) *MessageFramer {
	return NewMessageFramer(selfId, DefaultFramerSettings())
}

func NewMessageFramer(selfId Id, settings *FramerSettings) *MessageFramer {
	return &MessageFramer{
		selfId:     selfId,
		settings:   settings,
		reassembly: map[Id]map[string]*reassemblyBuffer{},
	}
}

// returns the encoded envelopes for one payload: a single envelope when it
// fits the chunk budget, else ceil(n/budget) sync-chunk envelopes.
// returns nil for outbound sync payloads below the no-op floor.
func (self *MessageFramer) FrameOutbound(messageType string, payload []byte, compressed bool) ([][]byte, error) {
	if messageType == MessageTypeSync && ByteCount(len(payload)) < self.settings.MinUpdateSize {
		return nil, nil
	}

	budget := int(self.settings.MaxChunkSize - self.settings.ChunkHeaderSize - envelopeOverhead(messageType))
	if budget <= 0 {
		return nil, fmt.Errorf("chunk budget exhausted by headers")
	}

	if len(payload) <= budget {
		envelope := &wireEnvelope{
			Type:       messageType,
			Update:     payload,
			Compressed: compressed,
		}
		b, err := json.Marshal(envelope)
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}

	messageId := fmt.Sprintf("%s-%d", self.selfId, time.Now().UnixMilli())
	totalChunks := (len(payload) + budget - 1) / budget
	out := make([][]byte, 0, totalChunks)
	for i := 0; i < totalChunks; i += 1 {
		start := i * budget
		end := min(start+budget, len(payload))
		chunk := i
		envelope := &wireEnvelope{
			Type:        MessageTypeSyncChunk,
			MessageId:   messageId,
			Chunk:       &chunk,
			TotalChunks: totalChunks,
			Update:      payload[start:end],
		}
		b, err := json.Marshal(envelope)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// decodes one wire message from a peer. chunked messages return nil until
// the last chunk arrives; the reassembled message is returned once and the
// buffer is freed.
func (self *MessageFramer) HandleInbound(peerId Id, message []byte) (*InboundMessage, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch envelope.Type {
	case MessageTypeSync, MessageTypeAwareness:
		return &InboundMessage{
			Type:       envelope.Type,
			Update:     envelope.Update,
			Compressed: envelope.Compressed,
		}, nil
	case MessageTypeSyncChunk:
		return self.addChunk(peerId, &envelope)
	default:
		return nil, fmt.Errorf("unknown message type: %s", envelope.Type)
	}
}

func (self *MessageFramer) addChunk(peerId Id, envelope *wireEnvelope) (*InboundMessage, error) {
	if envelope.Chunk == nil || envelope.MessageId == "" {
		return nil, fmt.Errorf("chunk envelope missing chunk index or message id")
	}
	chunkIndex := *envelope.Chunk
	if envelope.TotalChunks <= 0 || chunkIndex < 0 || envelope.TotalChunks <= chunkIndex {
		return nil, fmt.Errorf("chunk index out of range: %d of %d", chunkIndex, envelope.TotalChunks)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peerBuffers, ok := self.reassembly[peerId]
	if !ok {
		peerBuffers = map[string]*reassemblyBuffer{}
		self.reassembly[peerId] = peerBuffers
	}
	buffer, ok := peerBuffers[envelope.MessageId]
	if !ok {
		buffer = &reassemblyBuffer{
			totalChunks: envelope.TotalChunks,
			chunks:      map[int][]byte{},
			createTime:  time.Now(),
		}
		peerBuffers[envelope.MessageId] = buffer
	}
	if buffer.totalChunks != envelope.TotalChunks {
		delete(peerBuffers, envelope.MessageId)
		return nil, fmt.Errorf("chunk count mismatch for message %s", envelope.MessageId)
	}
	buffer.chunks[chunkIndex] = envelope.Update
	buffer.byteCount += ByteCount(len(envelope.Update))

	if len(buffer.chunks) < buffer.totalChunks {
		return nil, nil
	}

	// complete. concatenate in chunk index order and free the buffer
	var payload bytes.Buffer
	for i := 0; i < buffer.totalChunks; i += 1 {
		payload.Write(buffer.chunks[i])
	}
	delete(peerBuffers, envelope.MessageId)
	if len(peerBuffers) == 0 {
		delete(self.reassembly, peerId)
	}
	return &InboundMessage{
		Type:   MessageTypeSync,
		Update: payload.Bytes(),
	}, nil
}

// frees all partial messages for a peer
func (self *MessageFramer) DropPeer(peerId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.reassembly, peerId)
}

// drops partial messages older than maxAge
func (self *MessageFramer) DropStale(maxAge time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	for _, peerId := range maps.Keys(self.reassembly) {
		peerBuffers := self.reassembly[peerId]
		for _, messageId := range maps.Keys(peerBuffers) {
			if maxAge < now.Sub(peerBuffers[messageId].createTime) {
				delete(peerBuffers, messageId)
			}
		}
		if len(peerBuffers) == 0 {
			delete(self.reassembly, peerId)
		}
	}
}

func (self *MessageFramer) ReassemblyByteCount() ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var total ByteCount
	for _, peerBuffers := range self.reassembly {
		for _, buffer := range peerBuffers {
			total += buffer.byteCount
		}
	}
	return total
}

type reassemblyBuffer struct {
	totalChunks int
	chunks      map[int][]byte
	byteCount   ByteCount
	createTime  time.Time
}

// fixed per-type reserve for the json fields around the update bytes
func envelopeOverhead(messageType string) ByteCount {
	switch messageType {
	case MessageTypeSyncChunk:
		return ByteCount(160)
	case MessageTypeAwareness:
		return ByteCount(96)
	default:
		return ByteCount(64)
	}
}
