package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

// RelayServer serves the websocket substrate protocol against a backing
// substrate (normally a MemorySubstrate). One relay hosts any number of
// clients; auto-remove bindings are scoped to the client connection that
// registered them.
type RelayServer struct {
	ctx context.Context

	substrate Substrate
	upgrader  websocket.Upgrader
}

func NewRelayServer(ctx context.Context, substrate Substrate) *RelayServer {
	return &RelayServer{
		ctx:       ctx,
		substrate: substrate,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade failed: %s\n", err)
		return
	}
	client := &relayClient{
		server:        self,
		ws:            ws,
		sendQueue:     make(chan *wsResponse, 32),
		subscriptions: map[int]Subscription{},
		boundPaths:    map[string]bool{},
	}
	client.run()
}

type relayClient struct {
	server *RelayServer
	ws     *websocket.Conn

	sendQueue chan *wsResponse

	stateLock     sync.Mutex
	subscriptions map[int]Subscription
	boundPaths    map[string]bool
}

func (self *relayClient) run() {
	defer self.close()

	connCtx, connCancel := context.WithCancel(self.server.ctx)
	defer connCancel()

	// single writer
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case response := <-self.sendQueue:
				self.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := self.ws.WriteJSON(response); err != nil {
					connCancel()
					return
				}
			}
		}
	}()

	for {
		var request wsRequest
		if err := self.ws.ReadJSON(&request); err != nil {
			return
		}
		self.handle(connCtx, &request)
	}
}

func (self *relayClient) handle(ctx context.Context, request *wsRequest) {
	substrate := self.server.substrate
	respond := func(response *wsResponse, err error) {
		if response == nil {
			response = &wsResponse{}
		}
		response.Id = request.Id
		if err != nil {
			response.Error = err.Error()
		}
		self.send(response)
	}

	switch request.Op {
	case "read":
		value, err := substrate.Read(ctx, request.Path)
		respond(&wsResponse{Value: value}, err)
	case "write":
		value := resolveServerTimestamps(request.Value)
		respond(nil, substrate.Write(ctx, request.Path, value))
	case "remove":
		respond(nil, substrate.Remove(ctx, request.Path))
	case "push":
		childPath, err := substrate.PushChild(ctx, request.Path)
		respond(&wsResponse{ChildPath: childPath}, err)
	case "bind":
		self.stateLock.Lock()
		self.boundPaths[request.Path] = true
		self.stateLock.Unlock()
		respond(nil, nil)
	case "query":
		children, err := substrate.QueryChildrenWhereLE(ctx, request.Path, request.ChildKey, request.Max)
		respond(&wsResponse{Children: children}, err)
	case "sub-added":
		subId := request.Sub
		subscription, err := substrate.SubscribeChildAdded(request.Path, func(key string, value json.RawMessage) {
			self.send(&wsResponse{Event: "added", Sub: subId, Key: key, Data: value})
		})
		if err == nil {
			self.addSubscription(subId, subscription)
		}
	case "sub-removed":
		subId := request.Sub
		subscription, err := substrate.SubscribeChildRemoved(request.Path, func(key string) {
			self.send(&wsResponse{Event: "removed", Sub: subId, Key: key})
		})
		if err == nil {
			self.addSubscription(subId, subscription)
		}
	case "unsub":
		self.stateLock.Lock()
		subscription := self.subscriptions[request.Sub]
		delete(self.subscriptions, request.Sub)
		self.stateLock.Unlock()
		if subscription != nil {
			subscription.Unsubscribe()
		}
	default:
		glog.Infof("[relay]unknown op: %s\n", request.Op)
	}
}

func (self *relayClient) addSubscription(subId int, subscription Subscription) {
	self.stateLock.Lock()
	// a reconnecting client reuses its sub ids
	if previous, ok := self.subscriptions[subId]; ok {
		previous.Unsubscribe()
	}
	self.subscriptions[subId] = subscription
	self.stateLock.Unlock()
}

func (self *relayClient) send(response *wsResponse) {
	select {
	case self.sendQueue <- response:
	default:
		// slow client. drop rather than block the substrate callbacks.
		glog.Infof("[relay]send queue full, dropping message\n")
	}
}

// the connection dropped: release subscriptions and fire the auto-remove
// bindings this client registered
func (self *relayClient) close() {
	self.ws.Close()

	self.stateLock.Lock()
	subscriptions := maps.Values(self.subscriptions)
	self.subscriptions = map[int]Subscription{}
	bound := maps.Keys(self.boundPaths)
	self.boundPaths = map[string]bool{}
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		subscription.Unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, path := range bound {
		if err := self.server.substrate.Remove(ctx, path); err != nil {
			glog.Infof("[relay]auto-remove failed for %s: %s\n", path, err)
		}
	}
}

// replaces {".sv":"timestamp"} sentinels with the relay clock
func resolveServerTimestamps(value any) any {
	raw, ok := value.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(value)
		if err != nil {
			return value
		}
		raw = b
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return value
	}
	return resolveTimestampValues(decoded)
}

func resolveTimestampValues(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	if sv, ok := m[".sv"]; ok && sv == "timestamp" && len(m) == 1 {
		return time.Now().UnixMilli()
	}
	for key, child := range m {
		m[key] = resolveTimestampValues(child)
	}
	return m
}
