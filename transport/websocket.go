package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabtext/protocol"
)

type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// the connection is considered dead when no pong arrives within this window
	PongTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	// messages queued while the writer is busy
	SendBufferSize int
	// events queued while the consumer is busy
	EventBufferSize      int
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration
}

func DefaultSettings() *Settings {
	pongTimeout := 30 * time.Second
	return &Settings{
		HandshakeTimeout:     5 * time.Second,
		WriteTimeout:         5 * time.Second,
		PongTimeout:          pongTimeout,
		PingInterval:         (pongTimeout * 9) / 10,
		ReadLimit:            8 * 1024 * 1024,
		SendBufferSize:       256,
		EventBufferSize:      64,
		ReconnectMinInterval: 500 * time.Millisecond,
		ReconnectMaxInterval: 30 * time.Second,
	}
}

// RoomURL returns the websocket url of room on the relay at endpoint.
// http and https endpoints are mapped to ws and wss.
func RoomURL(endpoint string, room string) (string, error) {
	if room == "" {
		return "", fmt.Errorf("empty room")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/") + "/ws/" + url.PathEscape(room), nil
}

// WebsocketTransport connects to the relay over a websocket and reconnects
// with exponential backoff until closed.
type WebsocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *Settings

	send      chan []byte
	events    chan Event
	connected atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, endpoint string, room string) (Transport, error) {
	return NewWebsocketTransport(ctx, endpoint, room, DefaultSettings())
}

// WebsocketDialer returns a Dialer that uses settings for every transport.
func WebsocketDialer(settings *Settings) Dialer {
	return func(ctx context.Context, endpoint string, room string) (Transport, error) {
		return NewWebsocketTransport(ctx, endpoint, room, settings)
	}
}

func NewWebsocketTransport(ctx context.Context, endpoint string, room string, settings *Settings) (*WebsocketTransport, error) {
	roomURL, err := RoomURL(endpoint, room)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	t := &WebsocketTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      roomURL,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
		events:   make(chan Event, settings.EventBufferSize),
		done:     make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *WebsocketTransport) Events() <-chan Event {
	return t.events
}

func (t *WebsocketTransport) Send(m *protocol.Message) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	if !t.connected.Load() {
		return ErrNotConnected
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case t.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (t *WebsocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
	})
	<-t.done
	return nil
}

func (t *WebsocketTransport) emit(e Event) bool {
	select {
	case t.events <- e:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *WebsocketTransport) wait(d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *WebsocketTransport) run() {
	defer func() {
		t.connected.Store(false)
		close(t.events)
		close(t.done)
	}()

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = t.settings.ReconnectMinInterval
	reconnect.MaxInterval = t.settings.ReconnectMaxInterval
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.settings.HandshakeTimeout,
	}

	for {
		if !t.emit(Event{Type: EventConnecting}) {
			return
		}
		ws, _, err := dialer.DialContext(t.ctx, t.url, nil)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			glog.Infof("[t]dial %s error = %s", t.url, err)
			if !t.emit(Event{Type: EventDisconnected, Err: err}) {
				return
			}
			if !t.wait(reconnect.NextBackOff()) {
				return
			}
			continue
		}
		reconnect.Reset()

		err = t.handle(ws)
		if t.ctx.Err() != nil {
			return
		}
		glog.Infof("[t]connection %s lost = %v", t.url, err)
		if !t.emit(Event{Type: EventDisconnected, Err: err}) {
			return
		}
		if !t.wait(reconnect.NextBackOff()) {
			return
		}
	}
}

// handle runs one connection until it fails or the transport is closed.
func (t *WebsocketTransport) handle(ws *websocket.Conn) error {
	handleCtx, handleCancel := context.WithCancel(t.ctx)
	defer handleCancel()

	// messages queued for a previous connection would arrive before the
	// handshake of this one
	for drained := false; !drained; {
		select {
		case <-t.send:
		default:
			drained = true
		}
	}

	t.connected.Store(true)
	defer t.connected.Store(false)
	if !t.emit(Event{Type: EventConnected}) {
		ws.Close()
		return t.ctx.Err()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer ws.Close()
		t.write(handleCtx, ws)
	}()

	err := t.read(handleCtx, ws)
	handleCancel()
	<-writerDone
	return err
}

func (t *WebsocketTransport) write(ctx context.Context, ws *websocket.Conn) {
	ping := time.NewTicker(t.settings.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.ctx.Err() != nil {
				t.flush(ws)
			}
			return
		case message := <-t.send:
			ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.Infof("[ts]%s-> error = %s", t.url, err)
				return
			}
			glog.V(2).Infof("[ts]%s->", t.url)
		case <-ping.C:
			deadline := time.Now().Add(t.settings.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				glog.Infof("[ts]ping %s-> error = %s", t.url, err)
				return
			}
		}
	}
}

// flush writes whatever is still queued, then says goodbye. Best-effort.
func (t *WebsocketTransport) flush(ws *websocket.Conn) {
	ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
	for {
		select {
		case message := <-t.send:
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (t *WebsocketTransport) read(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadLimit(t.settings.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(t.settings.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(t.settings.PongTimeout))
		return nil
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(t.settings.PongTimeout))
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[tr]other=%d %s<-", messageType, t.url)
			continue
		}
		m, err := protocol.Decode(data)
		if err != nil {
			glog.Infof("[tr]drop %s<- = %s", t.url, err)
			continue
		}
		glog.V(2).Infof("[tr]%s %s<-", m, t.url)
		select {
		case t.events <- Event{Type: EventMessage, Message: m}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
