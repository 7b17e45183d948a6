package collab

// The document model is an external capability (a Yjs-family CRDT).
// The engine only relies on the merge being commutative and idempotent;
// it never inspects update bytes.

type DocumentReplica interface {
	// full document state as a single update
	EncodeState() []byte

	// compact per-client version summary
	EncodeStateVector() []byte

	// minimal update bringing a replica at stateVector up to date
	EncodeStateAsUpdateSince(stateVector []byte) []byte

	ApplyUpdate(update []byte, origin string) error

	// merges many updates into one equivalent update
	MergeUpdates(updates [][]byte) ([]byte, error)

	// callback receives the encoded update and the origin tag it was applied
	// with. returns an unsubscribe.
	OnUpdate(callback DocumentUpdateFunction) func()

	SetGCEnabled(enabled bool)

	Destroy()
}

type DocumentUpdateFunction func(update []byte, origin string)

type AwarenessReplica interface {
	// numeric id of the local client
	ClientId() uint64

	SetLocalStateField(key string, value any)

	// added/updated/removed client id lists
	OnChange(callback AwarenessChangeFunction) func()

	EncodeUpdate(clientIds []uint64) []byte

	ApplyUpdate(update []byte) error

	// current client id -> opaque state
	States() map[uint64]any

	RemoveStates(clientIds []uint64)

	Destroy()
}

type AwarenessChangeFunction func(added []uint64, updated []uint64, removed []uint64)

// creates the replicas the session owns. injected so the engine stays
// decoupled from any one CRDT implementation.
type ReplicaFactory interface {
	NewDocument() DocumentReplica
	NewAwareness(doc DocumentReplica) AwarenessReplica
}
