package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meetnotes/internal/notes/autosave"
	"meetnotes/internal/notes/doctree"
	"meetnotes/internal/notes/editor"
	"meetnotes/internal/notes/model"
	"meetnotes/internal/notes/service"
	"meetnotes/pkg/apperror"
	"meetnotes/pkg/logger"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = 70 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
	openTimeout    = 10 * time.Second
	closeTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware in front of the router.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Year     int
	UserID   string
	UserName string
	Send     chan []byte

	session *editor.Session

	mu     sync.Mutex
	closed bool
}

type statePayload struct {
	State json.RawMessage `json:"state"`
}

type metadataPayload struct {
	DocumentID string    `json:"document_id"`
	Year       int       `json:"year"`
	Created    bool      `json:"created"`
	UpdatedAt  time.Time `json:"updated_at"`
	UpdatedBy  string    `json:"updated_by,omitempty"`
}

type toolbarPayload struct {
	State  doctree.ToolbarState `json:"state"`
	Pinned string               `json:"pinned,omitempty"`
}

type errorPayload struct {
	Kind    apperror.Kind `json:"kind"`
	Message string        `json:"message"`
}

// ServeWs upgrades the request and opens an editor session for the year in
// the query string on behalf of user.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, user model.Author) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err == nil {
		err = service.ValidateYear(year)
	}
	if err != nil {
		http.Error(w, "invalid year", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:      hub,
		Conn:     conn,
		Year:     year,
		UserID:   user.ID,
		UserName: user.Name,
		Send:     make(chan []byte, 256),
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	session, err := editor.Open(ctx, hub.deps, editor.Config{
		Year:      year,
		User:      user,
		EchoGuard: hub.opts.EchoGuard,
		Autosave:  hub.opts.Autosave,
		Location:  hub.opts.Location,
		Listeners: client.listeners(),
	})
	if err != nil {
		logger.Sugar.Errorf("Failed to open notes %d for %s: %v", year, user.ID, err)
		data, _ := json.Marshal(WSMessage{Type: ErrorType, Year: year, Payload: mustJSON(errorPayload{Kind: apperror.KindOf(err), Message: err.Error()})})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.Close()
		return
	}
	client.session = session

	hub.clients.Add(1)
	select {
	case hub.Register <- client:
	case <-hub.done:
		_ = session.Close(context.Background())
		_ = conn.Close()
		hub.clients.Done()
		return
	}

	client.sendInitial()
	go client.writePump()
	go client.readPump()
}

func (c *Client) listeners() editor.Listeners {
	return editor.Listeners{
		RemoteState: func(state json.RawMessage) {
			c.push(UpdateType, statePayload{State: state})
		},
		Outline: func(outline []doctree.HeadingInfo) {
			c.push(OutlineType, map[string]any{"outline": outline})
		},
		Roster: func(roster []model.PresenceEntry) {
			c.push(PresenceUpdateType, map[string]any{"users": roster})
		},
		Status: func(status autosave.Status) {
			c.push(SaveStatusType, map[string]any{"status": status})
		},
		Connectivity: func(connected bool) {
			c.push(ConnectivityType, map[string]any{"connected": connected})
		},
		Failure: func(err error) {
			c.pushError(err)
		},
	}
}

func (c *Client) sendInitial() {
	s := c.session
	doc := s.Document()
	c.push(UpdateType, statePayload{State: s.State()})
	c.push(MetadataType, metadataPayload{
		DocumentID: doc.ID,
		Year:       doc.Year,
		Created:    s.Created(),
		UpdatedAt:  doc.UpdatedAt,
		UpdatedBy:  doc.UpdatedBy,
	})
	c.push(OutlineType, map[string]any{"outline": s.Outline()})
	c.push(ConnectivityType, map[string]any{"connected": s.Connected()})
	c.push(SaveStatusType, map[string]any{"status": s.Status()})
}

// push queues a message for the write pump. It never blocks: a client whose
// buffer is full loses the message.
func (c *Client) push(msgType string, payload any) {
	data, err := json.Marshal(WSMessage{Type: msgType, Year: c.Year, UserID: c.UserID, Payload: mustJSON(payload)})
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s message: %v", msgType, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
		logger.Sugar.Warnf("Client %s's send buffer is full, dropping %s.", c.UserID, msgType)
	}
}

func (c *Client) pushError(err error) {
	c.push(ErrorType, errorPayload{Kind: apperror.KindOf(err), Message: err.Error()})
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) readPump() {
	defer func() {
		// The tab is gone: write what is pending before leaving the room.
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := c.session.Close(ctx); err != nil {
			logger.Sugar.Errorf("Final save of notes %d for %s failed: %v", c.Year, c.UserID, err)
		}
		cancel()
		c.Hub.unregister(c)
		c.Conn.Close()
		c.Hub.clients.Done()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg WSMessage
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			c.pushError(apperror.Validation("socket.read", "malformed message"))
			continue
		}
		if err := c.handle(context.Background(), msg); err != nil {
			c.pushError(err)
		}
	}
}

func (c *Client) handle(ctx context.Context, msg WSMessage) error {
	s := c.session
	switch msg.Type {
	case UpdateType:
		var p statePayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		reformatted, err := s.ApplyLocal(ctx, p.State)
		if err != nil {
			return err
		}
		if reformatted {
			c.push(UpdateType, statePayload{State: s.State()})
		}

	case SelectType:
		var sel doctree.Selection
		if err := decode(msg, &sel); err != nil {
			return err
		}
		c.push(ToolbarType, toolbarPayload{State: s.Select(sel)})

	case EscapeType:
		s.Escape()
		c.push(ToolbarType, toolbarPayload{State: s.Toolbar()})

	case FormatType:
		var p struct {
			Mark string `json:"mark"`
		}
		if err := decode(msg, &p); err != nil {
			return err
		}
		state, err := s.Format(ctx, p.Mark)
		c.push(ToolbarType, toolbarPayload{State: s.Toolbar()})
		if err != nil {
			return err
		}
		c.push(UpdateType, statePayload{State: state})

	case PinType:
		text, state, err := s.Pin(ctx)
		if err != nil {
			c.push(ToolbarType, toolbarPayload{State: s.Toolbar()})
			return err
		}
		c.push(ToolbarType, toolbarPayload{State: s.Toolbar(), Pinned: text})
		c.push(UpdateType, statePayload{State: state})

	case SaveType:
		return s.Save(ctx)

	case SaveVersionType:
		var p struct {
			Note string `json:"note"`
		}
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.SaveVersion(ctx, p.Note)

	case RestoreType:
		var p struct {
			VersionID string `json:"version_id"`
		}
		if err := decode(msg, &p); err != nil {
			return err
		}
		state, err := s.Restore(ctx, p.VersionID)
		if err != nil {
			return err
		}
		c.push(UpdateType, statePayload{State: state})

	case SearchType:
		var p struct {
			Query string `json:"query"`
		}
		if err := decode(msg, &p); err != nil {
			return err
		}
		c.push(SearchResultsType, s.Search(p.Query))

	case SearchNextType:
		c.push(SearchResultsType, s.SearchNext())

	case SearchPrevType:
		c.push(SearchResultsType, s.SearchPrev())

	default:
		return apperror.Validation("socket.handle", "unknown message type "+msg.Type)
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}

func decode(msg WSMessage, v any) error {
	if len(msg.Payload) == 0 {
		return apperror.Validation("socket.decode", msg.Type+" requires a payload")
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return apperror.Validation("socket.decode", "invalid "+msg.Type+" payload")
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
