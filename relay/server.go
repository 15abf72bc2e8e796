package relay

import (
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/protocol"
)

type ServerSettings struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

func DefaultServerSettings() *ServerSettings {
	pongTimeout := 60 * time.Second
	return &ServerSettings{
		WriteTimeout: 10 * time.Second,
		PongTimeout:  pongTimeout,
		PingInterval: (pongTimeout * 9) / 10,
		ReadLimit:    8 * 1024 * 1024,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter serves one websocket per room connection at /ws/{room}.
func NewRouter(hub *Hub, settings *ServerSettings) *mux.Router {
	router := mux.NewRouter()
	router.UseEncodedPath()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ws/{room}", func(w http.ResponseWriter, r *http.Request) {
		roomName, err := url.PathUnescape(mux.Vars(r)["room"])
		if err != nil || roomName == "" {
			http.Error(w, "invalid room", http.StatusBadRequest)
			return
		}
		serveWs(hub, settings, roomName, w, r)
	})
	return router
}

// Client is a websocket connection attached to a hub member.
type Client struct {
	conn     *websocket.Conn
	member   *Member
	settings *ServerSettings
}

func serveWs(hub *Hub, settings *ServerSettings, roomName string, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade %s = %s", r.RemoteAddr, err)
		return
	}
	client := &Client{
		conn:     conn,
		member:   hub.NewMember(roomName),
		settings: settings,
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.member.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.settings.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("[s]%s closed = %s", c.member.Room(), err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
		m, err := protocol.Decode(data)
		if err != nil {
			glog.Infof("[s]drop %s = %s", c.member.Room(), err)
			continue
		}
		glog.V(2).Infof("[s]<-%s", m)
		if err := c.member.Receive(m); err != nil {
			glog.Infof("[s]reject %s = %s", m, err)
		}
	}
}

func (c *Client) writePump() {
	ping := time.NewTicker(c.settings.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.member.Send():
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
