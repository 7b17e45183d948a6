package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

// wire op protocol between the websocket substrate and a relay
// (see collabctl serve-relay)
type wsRequest struct {
	Id       int     `json:"id,omitempty"`
	Op       string  `json:"op"`
	Path     string  `json:"path,omitempty"`
	Value    any     `json:"value,omitempty"`
	Sub      int     `json:"sub,omitempty"`
	ChildKey string  `json:"childKey,omitempty"`
	Max      float64 `json:"max,omitempty"`
}

type wsResponse struct {
	Id        int                        `json:"id,omitempty"`
	Value     json.RawMessage            `json:"value,omitempty"`
	ChildPath string                     `json:"childPath,omitempty"`
	Children  map[string]json.RawMessage `json:"children,omitempty"`
	Error     string                     `json:"error,omitempty"`

	Event string          `json:"event,omitempty"`
	Sub   int             `json:"sub,omitempty"`
	Key   string          `json:"key,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// the relay resolves this to its clock at write time
type wsServerTimestamp struct{}

func (wsServerTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{".sv":"timestamp"}`), nil
}

type WsSubstrateSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	RequestTimeout     time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
}

func DefaultWsSubstrateSettings() *WsSubstrateSettings {
	return &WsSubstrateSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		RequestTimeout:     10 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

// substrate adapter over a websocket relay. This is the degraded path for
// clients whose networks block direct peer connections: all traffic rides
// the relay. Reconnects re-register subscriptions and bindings.
type WsSubstrate struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	settings *WsSubstrateSettings

	sendQueue chan *wsRequest

	stateLock   sync.Mutex
	nextId      int
	nextSubId   int
	pending     map[int]chan *wsResponse
	addedSubs   map[int]*wsSubscription
	removedSubs map[int]*wsSubscription
	boundPaths  map[string]bool
}

type wsSubscription struct {
	substrate *WsSubstrate
	subId     int
	path      string
	added     ChildAddedFunction
	removed   ChildRemovedFunction
}

func NewWsSubstrateWithDefaults(ctx context.Context, relayUrl string) *WsSubstrate {
	return NewWsSubstrate(ctx, relayUrl, DefaultWsSubstrateSettings())
}

func NewWsSubstrate(ctx context.Context, relayUrl string, settings *WsSubstrateSettings) *WsSubstrate {
	cancelCtx, cancel := context.WithCancel(ctx)
	substrate := &WsSubstrate{
		ctx:         cancelCtx,
		cancel:      cancel,
		relayUrl:    relayUrl,
		settings:    settings,
		sendQueue:   make(chan *wsRequest, 32),
		pending:     map[int]chan *wsResponse{},
		addedSubs:   map[int]*wsSubscription{},
		removedSubs: map[int]*wsSubscription{},
		boundPaths:  map[string]bool{},
	}
	go substrate.run()
	return substrate
}

// connect loop. each established connection runs a single writer and a
// single reader; on any failure everything pending errors out and the loop
// redials after the reconnect timeout.
func (self *WsSubstrate) run() {
	for {
		if self.ctx.Err() != nil {
			return
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
		if err != nil {
			glog.Infof("[ws]dial failed: %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
			}
			continue
		}

		self.runConnection(ws)
		self.failPending(errors.New("relay connection lost"))

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WsSubstrate) runConnection(ws *websocket.Conn) {
	defer ws.Close()

	connCtx, connCancel := context.WithCancel(self.ctx)
	defer connCancel()

	// unblock the reader when the substrate or the writer shuts down
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	// re-register state from before the reconnect
	go self.replayRegistrations()

	// single writer
	go func() {
		defer connCancel()
		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer pingTicker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case request := <-self.sendQueue:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(request); err != nil {
					glog.Infof("[ws]write failed: %s\n", err)
					return
				}
			case <-pingTicker.C:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// single reader
	for {
		var response wsResponse
		if err := ws.ReadJSON(&response); err != nil {
			glog.Infof("[ws]read failed: %s\n", err)
			return
		}
		self.dispatch(&response)
	}
}

func (self *WsSubstrate) replayRegistrations() {
	self.stateLock.Lock()
	added := maps.Values(self.addedSubs)
	removed := maps.Values(self.removedSubs)
	bound := maps.Keys(self.boundPaths)
	self.stateLock.Unlock()

	for _, sub := range added {
		self.enqueue(&wsRequest{Op: "sub-added", Sub: sub.subId, Path: sub.path})
	}
	for _, sub := range removed {
		self.enqueue(&wsRequest{Op: "sub-removed", Sub: sub.subId, Path: sub.path})
	}
	for _, path := range bound {
		self.enqueue(&wsRequest{Op: "bind", Path: path})
	}
}

func (self *WsSubstrate) dispatch(response *wsResponse) {
	if response.Event != "" {
		self.stateLock.Lock()
		addedSub := self.addedSubs[response.Sub]
		removedSub := self.removedSubs[response.Sub]
		self.stateLock.Unlock()

		switch response.Event {
		case "added":
			if addedSub != nil {
				addedSub.added(response.Key, response.Data)
			}
		case "removed":
			if removedSub != nil {
				removedSub.removed(response.Key)
			}
		}
		return
	}

	self.stateLock.Lock()
	waiter := self.pending[response.Id]
	delete(self.pending, response.Id)
	self.stateLock.Unlock()
	if waiter != nil {
		waiter <- response
	}
}

func (self *WsSubstrate) failPending(err error) {
	self.stateLock.Lock()
	pending := self.pending
	self.pending = map[int]chan *wsResponse{}
	self.stateLock.Unlock()

	for _, waiter := range pending {
		waiter <- &wsResponse{Error: err.Error()}
	}
}

func (self *WsSubstrate) enqueue(request *wsRequest) {
	select {
	case self.sendQueue <- request:
	case <-self.ctx.Done():
	}
}

func (self *WsSubstrate) request(ctx context.Context, request *wsRequest) (*wsResponse, error) {
	waiter := make(chan *wsResponse, 1)

	self.stateLock.Lock()
	self.nextId += 1
	request.Id = self.nextId
	self.pending[request.Id] = waiter
	self.stateLock.Unlock()

	self.enqueue(request)

	timeout := time.NewTimer(self.settings.RequestTimeout)
	defer timeout.Stop()
	select {
	case response := <-waiter:
		if response.Error != "" {
			return nil, errors.New(response.Error)
		}
		return response, nil
	case <-timeout.C:
		self.dropPending(request.Id)
		return nil, fmt.Errorf("relay request timeout (%s)", request.Op)
	case <-ctx.Done():
		self.dropPending(request.Id)
		return nil, ctx.Err()
	case <-self.ctx.Done():
		self.dropPending(request.Id)
		return nil, self.ctx.Err()
	}
}

func (self *WsSubstrate) dropPending(id int) {
	self.stateLock.Lock()
	delete(self.pending, id)
	self.stateLock.Unlock()
}

func (self *WsSubstrate) Read(ctx context.Context, path string) (json.RawMessage, error) {
	response, err := self.request(ctx, &wsRequest{Op: "read", Path: normalizePath(path)})
	if err != nil {
		return nil, err
	}
	return response.Value, nil
}

func (self *WsSubstrate) Write(ctx context.Context, path string, value any) error {
	_, err := self.request(ctx, &wsRequest{Op: "write", Path: normalizePath(path), Value: value})
	return err
}

func (self *WsSubstrate) Remove(ctx context.Context, path string) error {
	_, err := self.request(ctx, &wsRequest{Op: "remove", Path: normalizePath(path)})
	return err
}

func (self *WsSubstrate) PushChild(ctx context.Context, path string) (string, error) {
	response, err := self.request(ctx, &wsRequest{Op: "push", Path: normalizePath(path)})
	if err != nil {
		return "", err
	}
	return response.ChildPath, nil
}

func (self *WsSubstrate) SubscribeChildAdded(path string, callback ChildAddedFunction) (Subscription, error) {
	path = normalizePath(path)

	self.stateLock.Lock()
	self.nextSubId += 1
	sub := &wsSubscription{
		substrate: self,
		subId:     self.nextSubId,
		path:      path,
		added:     callback,
	}
	self.addedSubs[sub.subId] = sub
	self.stateLock.Unlock()

	self.enqueue(&wsRequest{Op: "sub-added", Sub: sub.subId, Path: path})
	return sub, nil
}

func (self *WsSubstrate) SubscribeChildRemoved(path string, callback ChildRemovedFunction) (Subscription, error) {
	path = normalizePath(path)

	self.stateLock.Lock()
	self.nextSubId += 1
	sub := &wsSubscription{
		substrate: self,
		subId:     self.nextSubId,
		path:      path,
		removed:   callback,
	}
	self.removedSubs[sub.subId] = sub
	self.stateLock.Unlock()

	self.enqueue(&wsRequest{Op: "sub-removed", Sub: sub.subId, Path: path})
	return sub, nil
}

func (self *WsSubstrate) BindAutoRemoveOnDisconnect(ctx context.Context, path string) error {
	path = normalizePath(path)

	self.stateLock.Lock()
	self.boundPaths[path] = true
	self.stateLock.Unlock()

	_, err := self.request(ctx, &wsRequest{Op: "bind", Path: path})
	return err
}

func (self *WsSubstrate) ServerTimestamp() any {
	return wsServerTimestamp{}
}

func (self *WsSubstrate) QueryChildrenWhereLE(ctx context.Context, path string, childKey string, max float64) (map[string]json.RawMessage, error) {
	response, err := self.request(ctx, &wsRequest{
		Op:       "query",
		Path:     normalizePath(path),
		ChildKey: childKey,
		Max:      max,
	})
	if err != nil {
		return nil, err
	}
	return response.Children, nil
}

func (self *WsSubstrate) Close() {
	self.cancel()
	self.failPending(errors.New("substrate closed"))
}

func (self *wsSubscription) Unsubscribe() {
	substrate := self.substrate
	substrate.stateLock.Lock()
	delete(substrate.addedSubs, self.subId)
	delete(substrate.removedSubs, self.subId)
	substrate.stateLock.Unlock()

	substrate.enqueue(&wsRequest{Op: "unsub", Sub: self.subId})
}
