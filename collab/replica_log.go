package collab

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A reference replica implementation: an append-only operation log with
// set-union merge. Union plus a deterministic order makes apply commutative
// and idempotent, which is all the engine requires of a document. Real
// deployments inject a Yjs-family port instead; this one backs collabctl
// and the tests.

type logEntry struct {
	Client uint64          `json:"client"`
	Seq    uint64          `json:"seq"`
	Op     json.RawMessage `json:"op"`
}

type LogReplicaFactory struct {
	ClientId uint64
}

func NewLogReplicaFactory() *LogReplicaFactory {
	return &LogReplicaFactory{
		ClientId: rand.Uint64(),
	}
}

func (self *LogReplicaFactory) NewDocument() DocumentReplica {
	return NewLogDocument(self.ClientId)
}

func (self *LogReplicaFactory) NewAwareness(doc DocumentReplica) AwarenessReplica {
	return NewLogAwareness(self.ClientId)
}

type LogDocument struct {
	clientId uint64

	stateLock sync.Mutex
	// client -> seq -> entry
	entries map[uint64]map[uint64]logEntry
	nextSeq uint64

	updateCallbacks callbackList[DocumentUpdateFunction]
	gcEnabled       bool
	destroyed       bool
}

func NewLogDocument(clientId uint64) *LogDocument {
	return &LogDocument{
		clientId: clientId,
		entries:  map[uint64]map[uint64]logEntry{},
		nextSeq:  1,
	}
}

// appends a local operation and notifies the update subscription with
// origin "local"
func (self *LogDocument) AppendOp(op any) error {
	opBytes, err := json.Marshal(op)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	entry := logEntry{
		Client: self.clientId,
		Seq:    self.nextSeq,
		Op:     opBytes,
	}
	self.nextSeq += 1
	self.addEntryLocked(entry)
	self.stateLock.Unlock()

	update, err := json.Marshal([]logEntry{entry})
	if err != nil {
		return err
	}
	self.notify(update, "local")
	return nil
}

// convenience for text demos: ops of the form {"insert": text}
func (self *LogDocument) AppendText(text string) error {
	return self.AppendOp(map[string]string{"insert": text})
}

// the document text: insert ops concatenated in the deterministic
// (seq, client) order
func (self *LogDocument) Text() string {
	self.stateLock.Lock()
	entries := self.sortedEntriesLocked()
	self.stateLock.Unlock()

	text := ""
	for _, entry := range entries {
		var op map[string]string
		if err := json.Unmarshal(entry.Op, &op); err != nil {
			continue
		}
		text += op["insert"]
	}
	return text
}

func (self *LogDocument) EncodeState() []byte {
	self.stateLock.Lock()
	entries := self.sortedEntriesLocked()
	self.stateLock.Unlock()
	return encodeEntries(entries)
}

// map of client -> max seq, marshaled with sorted keys so equal vectors are
// byte-equal
func (self *LogDocument) EncodeStateVector() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	vector := map[string]uint64{}
	for client, seqs := range self.entries {
		var max uint64
		for seq := range seqs {
			if max < seq {
				max = seq
			}
		}
		vector[fmt.Sprintf("%d", client)] = max
	}
	b, _ := json.Marshal(vector)
	return b
}

func (self *LogDocument) EncodeStateAsUpdateSince(stateVector []byte) []byte {
	var vector map[string]uint64
	if err := json.Unmarshal(stateVector, &vector); err != nil {
		return self.EncodeState()
	}

	self.stateLock.Lock()
	var missing []logEntry
	for client, seqs := range self.entries {
		known := vector[fmt.Sprintf("%d", client)]
		for seq, entry := range seqs {
			if known < seq {
				missing = append(missing, entry)
			}
		}
	}
	self.stateLock.Unlock()

	sortEntries(missing)
	return encodeEntries(missing)
}

func (self *LogDocument) ApplyUpdate(update []byte, origin string) error {
	var entries []logEntry
	if err := json.Unmarshal(update, &entries); err != nil {
		return fmt.Errorf("bad update: %w", err)
	}

	self.stateLock.Lock()
	applied := false
	for _, entry := range entries {
		if self.addEntryLocked(entry) {
			applied = true
		}
		if entry.Client == self.clientId && self.nextSeq <= entry.Seq {
			self.nextSeq = entry.Seq + 1
		}
	}
	self.stateLock.Unlock()

	// idempotent: a fully-known update is silent
	if applied {
		self.notify(update, origin)
	}
	return nil
}

func (self *LogDocument) MergeUpdates(updates [][]byte) ([]byte, error) {
	seen := map[string]bool{}
	var merged []logEntry
	for _, update := range updates {
		var entries []logEntry
		if err := json.Unmarshal(update, &entries); err != nil {
			return nil, fmt.Errorf("bad update: %w", err)
		}
		for _, entry := range entries {
			key := fmt.Sprintf("%d:%d", entry.Client, entry.Seq)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, entry)
		}
	}
	sortEntries(merged)
	return encodeEntries(merged), nil
}

func (self *LogDocument) OnUpdate(callback DocumentUpdateFunction) func() {
	self.updateCallbacks.add(callback)
	return func() {
		self.updateCallbacks.remove(callback)
	}
}

func (self *LogDocument) SetGCEnabled(enabled bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.gcEnabled = enabled
}

func (self *LogDocument) Destroy() {
	self.stateLock.Lock()
	self.destroyed = true
	self.entries = map[uint64]map[uint64]logEntry{}
	self.stateLock.Unlock()
	self.updateCallbacks.clear()
}

func (self *LogDocument) addEntryLocked(entry logEntry) bool {
	seqs, ok := self.entries[entry.Client]
	if !ok {
		seqs = map[uint64]logEntry{}
		self.entries[entry.Client] = seqs
	}
	if _, ok := seqs[entry.Seq]; ok {
		return false
	}
	seqs[entry.Seq] = entry
	return true
}

func (self *LogDocument) sortedEntriesLocked() []logEntry {
	var entries []logEntry
	for _, seqs := range self.entries {
		entries = append(entries, maps.Values(seqs)...)
	}
	sortEntries(entries)
	return entries
}

func (self *LogDocument) notify(update []byte, origin string) {
	for _, callback := range self.updateCallbacks.get() {
		callback := callback
		handleCallback(func() {
			callback(update, origin)
		})
	}
}

func sortEntries(entries []logEntry) {
	sort.Slice(entries, func(i int, j int) bool {
		if entries[i].Seq != entries[j].Seq {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].Client < entries[j].Client
	})
}

func encodeEntries(entries []logEntry) []byte {
	if entries == nil {
		entries = []logEntry{}
	}
	b, _ := json.Marshal(entries)
	return b
}

type awarenessEntry struct {
	Client uint64          `json:"client"`
	Clock  uint64          `json:"clock"`
	State  json.RawMessage `json:"state"`
}

type LogAwareness struct {
	clientId uint64

	stateLock sync.Mutex
	// client -> latest entry. a null state is a removal tombstone.
	states map[uint64]awarenessEntry
	local  map[string]any

	changeCallbacks callbackList[AwarenessChangeFunction]
}

func NewLogAwareness(clientId uint64) *LogAwareness {
	return &LogAwareness{
		clientId: clientId,
		states:   map[uint64]awarenessEntry{},
		local:    map[string]any{},
	}
}

func (self *LogAwareness) ClientId() uint64 {
	return self.clientId
}

func (self *LogAwareness) SetLocalStateField(key string, value any) {
	self.stateLock.Lock()
	self.local[key] = value
	stateBytes, err := json.Marshal(self.local)
	if err != nil {
		self.stateLock.Unlock()
		return
	}
	entry, existed := self.states[self.clientId]
	entry.Client = self.clientId
	entry.Clock += 1
	entry.State = stateBytes
	self.states[self.clientId] = entry
	self.stateLock.Unlock()

	if existed {
		self.notify(nil, []uint64{self.clientId}, nil)
	} else {
		self.notify([]uint64{self.clientId}, nil, nil)
	}
}

func (self *LogAwareness) OnChange(callback AwarenessChangeFunction) func() {
	self.changeCallbacks.add(callback)
	return func() {
		self.changeCallbacks.remove(callback)
	}
}

func (self *LogAwareness) EncodeUpdate(clientIds []uint64) []byte {
	self.stateLock.Lock()
	var entries []awarenessEntry
	for _, clientId := range clientIds {
		if entry, ok := self.states[clientId]; ok {
			entries = append(entries, entry)
		} else {
			// unknown id encodes as a removal
			entries = append(entries, awarenessEntry{
				Client: clientId,
				Clock:  ^uint64(0),
				State:  json.RawMessage("null"),
			})
		}
	}
	self.stateLock.Unlock()

	if entries == nil {
		entries = []awarenessEntry{}
	}
	b, _ := json.Marshal(entries)
	return b
}

func (self *LogAwareness) ApplyUpdate(update []byte) error {
	var entries []awarenessEntry
	if err := json.Unmarshal(update, &entries); err != nil {
		return fmt.Errorf("bad awareness update: %w", err)
	}

	var added, updated, removed []uint64
	self.stateLock.Lock()
	for _, entry := range entries {
		current, exists := self.states[entry.Client]
		if exists && entry.Clock <= current.Clock {
			continue
		}
		if string(entry.State) == "null" {
			if exists {
				delete(self.states, entry.Client)
				removed = append(removed, entry.Client)
			}
			continue
		}
		self.states[entry.Client] = entry
		if exists {
			updated = append(updated, entry.Client)
		} else {
			added = append(added, entry.Client)
		}
	}
	self.stateLock.Unlock()

	if 0 < len(added)+len(updated)+len(removed) {
		self.notify(added, updated, removed)
	}
	return nil
}

func (self *LogAwareness) States() map[uint64]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := map[uint64]any{}
	for clientId, entry := range self.states {
		var state any
		json.Unmarshal(entry.State, &state)
		out[clientId] = state
	}
	return out
}

func (self *LogAwareness) RemoveStates(clientIds []uint64) {
	self.stateLock.Lock()
	var removed []uint64
	for _, clientId := range clientIds {
		if _, ok := self.states[clientId]; ok {
			delete(self.states, clientId)
			removed = append(removed, clientId)
		}
	}
	self.stateLock.Unlock()

	if 0 < len(removed) {
		self.notify(nil, nil, removed)
	}
}

func (self *LogAwareness) Destroy() {
	self.stateLock.Lock()
	self.states = map[uint64]awarenessEntry{}
	self.local = map[string]any{}
	self.stateLock.Unlock()
	self.changeCallbacks.clear()
}

func (self *LogAwareness) notify(added []uint64, updated []uint64, removed []uint64) {
	for _, callback := range self.changeCallbacks.get() {
		callback := callback
		handleCallback(func() {
			callback(slices.Clone(added), slices.Clone(updated), slices.Clone(removed))
		})
	}
}
