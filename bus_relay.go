package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const relaySendBufferSize = 32

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type RelayTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

// a `MessageBus` over a websocket to a relay hub, for sessions in different
// processes. Maintains the connection with reconnect. While disconnected,
// publishes fail fast and the session degrades to local-only editing
type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	auth     *SessionAuth

	settings *RelayTransportSettings

	handlers *CallbackList[func(message *Message)]

	send chan []byte
}

func NewRelayTransportWithDefaults(
	ctx context.Context,
	relayUrl string,
	auth *SessionAuth,
) *RelayTransport {
	return NewRelayTransport(ctx, relayUrl, auth, DefaultRelayTransportSettings())
}

func NewRelayTransport(
	ctx context.Context,
	relayUrl string,
	auth *SessionAuth,
	settings *RelayTransportSettings,
) *RelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RelayTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		relayUrl: relayUrl,
		auth:     auth,
		settings: settings,
		handlers: NewCallbackList[func(message *Message)](),
		send:     make(chan []byte, relaySendBufferSize),
	}
	go transport.run()
	return transport
}

// MessageBus
func (self *RelayTransport) Publish(message *Message) error {
	select {
	case <-self.ctx.Done():
		return ErrBusClosed
	default:
	}

	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return err
	}

	select {
	case self.send <- messageBytes:
		return nil
	default:
		// backpressure from a dead or slow connection.
		// fire-and-forget, do not block the caller
		return fmt.Errorf("relay send buffer full")
	}
}

// MessageBus
func (self *RelayTransport) Subscribe(handler func(message *Message)) func() {
	callbackId := self.handlers.Add(handler)
	return func() {
		self.handlers.Remove(callbackId)
	}
}

// MessageBus
func (self *RelayTransport) Close() {
	self.cancel()
}

func (self *RelayTransport) run() {
	defer self.cancel()

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authBytes := []byte(self.auth.Token)
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if string(authBytes) != string(message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[rt]connect %s", self.relayUrl), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[rt]auth error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case messageBytes, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[rts]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[rts]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, messageBytes, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[rtr]<- error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.TextMessage, websocket.BinaryMessage:
						if 0 == len(messageBytes) {
							// ping
							glog.V(2).Infof("[rtr]ping <-\n")
							continue
						}

						message, err := DecodeMessage(messageBytes)
						if err != nil {
							glog.Infof("[rtr]bad message <- = %s\n", err)
							continue
						}
						self.dispatch(message)
					}
				}
			}()
		}
		if glog.V(2) {
			Trace(fmt.Sprintf("[rt]connect run %s", self.relayUrl), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RelayTransport) dispatch(message *Message) {
	for _, handler := range self.handlers.Get() {
		handler := handler
		HandleError(func() {
			handler(message)
		})
	}
}
