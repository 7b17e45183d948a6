package collab

import (
	"sync"

	"github.com/golang/glog"
)

type ConnectionStatus string

const (
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

type EventName string

const (
	EventConnectionStateChanged EventName = "connection-state-changed"
	EventPeerJoined             EventName = "peer-joined"
	EventPeerLeft               EventName = "peer-left"
	EventDocumentPersisted      EventName = "document-persisted"
	EventSyncCompleted          EventName = "sync-completed"
	EventAwarenessUpdated       EventName = "awareness-updated"
	EventError                  EventName = "error"
)

type User struct {
	Name string `json:"name"`
}

// one variant per event name; unrelated fields are zero
type Event struct {
	Name EventName

	// connection-state-changed
	State ConnectionStatus

	// peer-joined, peer-left, awareness-updated
	PeerId Id
	User   *User

	// document-persisted, sync-completed
	DocId      string
	Version    int
	UpdateSize ByteCount

	// error
	Err     error
	Context string
}

type EventFunction func(event *Event)

type ErrorFunction func(err error, context string)

// fan-out registry for session events
type eventDispatcher struct {
	mutex     sync.Mutex
	callbacks map[EventName]*callbackList[EventFunction]
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		callbacks: map[EventName]*callbackList[EventFunction]{},
	}
}

func (self *eventDispatcher) on(name EventName, callback EventFunction) {
	self.list(name).add(callback)
}

func (self *eventDispatcher) off(name EventName, callback EventFunction) {
	self.list(name).remove(callback)
}

func (self *eventDispatcher) emit(event *Event) {
	for _, callback := range self.list(event.Name).get() {
		callback := callback
		handleCallback(func() {
			callback(event)
		})
	}
}

func (self *eventDispatcher) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, list := range self.callbacks {
		list.clear()
	}
}

func (self *eventDispatcher) list(name EventName) *callbackList[EventFunction] {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	list, ok := self.callbacks[name]
	if !ok {
		list = &callbackList[EventFunction]{}
		self.callbacks[name] = list
	}
	return list
}

// callbacks are wrapped to recover from errors so a bad listener cannot
// take down the engine
func handleCallback(callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("callback panic: %v\n", r)
		}
	}()
	callback()
}
