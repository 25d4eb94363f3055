package management

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nghyane/omnigate/internal/json"
	log "github.com/nghyane/omnigate/internal/logging"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = 30 * time.Second
	eventsBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Events streams request and attempt events over a websocket. ?type=request
// or ?type=attempt narrows the feed.
func (h *Handler) Events(c *gin.Context) {
	if h.sink == nil {
		respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "event feed disabled")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("management: websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := h.sink.Subscribe(eventsBuffer)
	defer unsubscribe()
	filter := c.Query("type")

	// The reader only services control frames and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case e, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventsWriteWait))
				return
			}
			if filter != "" && string(e.Type) != filter {
				continue
			}
			data, err := json.Marshal(EventMessage{Type: e.Type, Time: e.Time, RequestID: e.RequestID, Data: e.Data})
			if err != nil {
				log.WithError(err).Warn("management: cannot encode event")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		}
	}
}
