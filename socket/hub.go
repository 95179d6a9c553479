package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"meetnotes/internal/notes/autosave"
	"meetnotes/internal/notes/editor"
	"meetnotes/internal/notes/realtime"
	"meetnotes/pkg/logger"
)

const (
	// Client -> server
	UpdateType      = "UPDATE" // Full document state after a local edit
	SelectType      = "SELECT" // Text selection inside one block
	EscapeType      = "ESCAPE"
	FormatType      = "FORMAT" // Toggle a mark over the selection
	PinType         = "PIN"    // Promote the selected block to a heading
	SaveType        = "SAVE"
	SaveVersionType = "SAVE_VERSION"
	RestoreType     = "RESTORE"
	SearchType      = "SEARCH"
	SearchNextType  = "SEARCH_NEXT"
	SearchPrevType  = "SEARCH_PREV"

	// Server -> client
	MetadataType       = "METADATA"
	OutlineType        = "OUTLINE"
	PresenceUpdateType = "PRESENCE_UPDATE" // Roster of the other editors
	SaveStatusType     = "SAVE_STATUS"
	ConnectivityType   = "CONNECTIVITY"
	ToolbarType        = "TOOLBAR"
	SearchResultsType  = "SEARCH_RESULTS"
	ErrorType          = "ERROR"
)

type WSMessage struct {
	Type    string          `json:"type"`
	Year    int             `json:"year"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Options are applied to every session the hub opens.
type Options struct {
	EchoGuard time.Duration
	Autosave  autosave.Options
	Location  *time.Location
}

type Hub struct {
	Rooms      map[int]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client

	deps editor.Deps
	opts Options

	mu         sync.Mutex
	publishers map[int]realtime.Broadcast
	clients    sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

func NewHub(deps editor.Deps, opts Options) *Hub {
	return &Hub{
		Rooms:      make(map[int]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		deps:       deps,
		opts:       opts,
		publishers: make(map[int]realtime.Broadcast),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if h.Rooms[client.Year] == nil {
				h.Rooms[client.Year] = make(map[*Client]bool)
			}
			h.Rooms[client.Year][client] = true
			n := len(h.Rooms[client.Year])
			h.mu.Unlock()
			logger.Sugar.Infof("User %s joined notes %d (%d editors)", client.UserID, client.Year, n)

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.Rooms[client.Year][client]; ok {
				delete(h.Rooms[client.Year], client)
				client.closeSend()

				// Last editor gone: drop the room and its REST publisher.
				if len(h.Rooms[client.Year]) == 0 {
					delete(h.Rooms, client.Year)
					if pub, ok := h.publishers[client.Year]; ok {
						_ = pub.Close()
						delete(h.publishers, client.Year)
					}
					logger.Sugar.Infof("Closed empty notes room %d", client.Year)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			return
		}
	}
}

// Publish shares a state written outside any session (the REST save path)
// with every live editor of the year, on this and other instances. The
// handle is kept only while the year has a room here; otherwise it is
// closed once the state is sent.
func (h *Hub) Publish(ctx context.Context, year int, state json.RawMessage) error {
	if h.deps.Transport == nil {
		return nil
	}
	h.mu.Lock()
	pub, cached := h.publishers[year]
	if !cached {
		var err error
		pub, err = h.deps.Transport.OpenBroadcast(ctx, realtime.NotesTopic(year), realtime.BroadcastConfig{Self: false})
		if err != nil {
			h.mu.Unlock()
			return err
		}
		if len(h.Rooms[year]) > 0 {
			h.publishers[year] = pub
			cached = true
		}
	}
	h.mu.Unlock()

	err := pub.Send(ctx, state)
	if !cached {
		_ = pub.Close()
		return err
	}
	if err != nil {
		h.mu.Lock()
		if h.publishers[year] == pub {
			delete(h.publishers, year)
		}
		h.mu.Unlock()
		_ = pub.Close()
	}
	return err
}

func (h *Hub) publisherCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.publishers)
}

// Clients returns how many editors have the year open on this instance.
func (h *Hub) Clients(year int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Rooms[year])
}

// Shutdown disconnects every client, waits for their sessions to flush and
// then stops Run.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, room := range h.Rooms {
		for client := range room {
			_ = client.Conn.Close()
		}
	}
	h.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		h.clients.Wait()
		close(flushed)
	}()

	var err error
	select {
	case <-flushed:
	case <-ctx.Done():
		err = ctx.Err()
	}

	h.stopOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	for year, pub := range h.publishers {
		_ = pub.Close()
		delete(h.publishers, year)
	}
	h.mu.Unlock()
	return err
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
		c.closeSend()
	}
}
