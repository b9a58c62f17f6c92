package collab

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const relayConnBufferSize = 32

func DefaultRelayServerSettings() *RelayServerSettings {
	return &RelayServerSettings{
		AuthTimeout:  2 * time.Second,
		PingTimeout:  1 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
}

type RelayServerSettings struct {
	AuthTimeout  time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// optional shared secret. When set, the session token of every incoming
	// connection is signature-verified before the connection joins the hub
	Secret []byte
}

// the hub side of the relay bus: accepts websockets, verifies the auth frame,
// and fans every valid envelope out to all other connections. The relay is
// deliberately dumb. Resource and sender filtering happen at the receiving
// session, so the hub needs no per-resource state
type RelayServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelayServerSettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	// set of active connection send channels
	conns map[chan []byte]bool
}

func NewRelayServerWithDefaults(ctx context.Context) *RelayServer {
	return NewRelayServer(ctx, DefaultRelayServerSettings())
}

func NewRelayServer(ctx context.Context, settings *RelayServerSettings) *RelayServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RelayServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: map[chan []byte]bool{},
	}
}

func (self *RelayServer) ConnCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.conns)
}

func (self *RelayServer) Close() {
	self.cancel()
}

// http.Handler
func (self *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	// the first frame is the session token, echoed back on success
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil || messageType != websocket.TextMessage {
		glog.Infof("[r]auth read error = %s\n", err)
		return
	}
	var identity *Identity
	if self.settings.Secret != nil {
		identity, err = VerifySessionToken(string(authBytes), self.settings.Secret)
	} else {
		identity, err = ParseSessionTokenUnverified(string(authBytes))
	}
	if err != nil {
		glog.Infof("[r]auth error = %s\n", err)
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return
	}

	glog.V(1).Infof("[r]connect %s\n", identity.UserId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, relayConnBufferSize)
	self.subscribe(send)
	defer self.unsubscribe(send)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case messageBytes, ok := <-send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					glog.Infof("[rs]%s-> error = %s\n", identity.UserId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[r]disconnect %s = %s\n", identity.UserId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if 0 == len(messageBytes) {
				// ping
				continue
			}

			// decode to validate the envelope before fan-out
			if _, err := DecodeMessage(messageBytes); err != nil {
				glog.Infof("[r]bad message %s<- = %s\n", identity.UserId, err)
				continue
			}
			self.broadcast(send, messageBytes)
		}
	}
}

func (self *RelayServer) subscribe(send chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.conns[send] = true
}

func (self *RelayServer) unsubscribe(send chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.conns, send)
}

// fans out to every connection except the origin.
// at-most-once: a full connection buffer drops the message for that
// connection instead of blocking the hub
func (self *RelayServer) broadcast(origin chan []byte, messageBytes []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for send := range self.conns {
		if send == origin {
			continue
		}
		select {
		case send <- messageBytes:
		default:
			glog.Infof("[r]drop ->\n")
		}
	}
}
