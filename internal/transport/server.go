package transport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"turtle_botnet/internal/domain"
)

const (
	maxRequestBytes = 1 << 20
	writeWait       = 10 * time.Second
)

// Bus hands out the per-turtle channel that queued jobs are pushed on.
type Bus interface {
	Register(agentID string) <-chan domain.Job
	Unregister(agentID string, ch <-chan domain.Job)
}

// Server exposes the Handler over plain HTTP (one request per POST) and over
// a websocket (one request per text frame, plus job pushes).
type Server struct {
	handler  *Handler
	bus      Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(handler *Handler, bus Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Turtles are not browsers and send no meaningful Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/turtle", s.handleTurtle)
	mux.HandleFunc("/ws", s.handleWebsocket)
}

func (s *Server) handleTurtle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure(err))
		return
	}
	_, resp := s.handler.HandleRaw(r.Context(), body)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &wsConn{conn: conn, server: s}
	defer c.close()
	c.conn.SetReadLimit(maxRequestBytes)

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "remote", r.RemoteAddr, "turtle", c.turtleID(), "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		req, resp := s.handler.HandleRaw(r.Context(), raw)
		if err := c.write(resp); err != nil {
			s.logger.Debug("websocket write failed", "turtle", c.turtleID(), "error", err)
			return
		}
		if resp.Success {
			c.attach(identify(req, resp))
		}
	}
}

// identify returns the turtle a successful request speaks for.
func identify(req Request, resp Response) string {
	if req.Job == JobRegister {
		if t, ok := resp.Data.(domain.Turtle); ok {
			return t.ID
		}
		return ""
	}
	if req.Job == JobExists {
		if m, ok := resp.Data.(map[string]bool); ok && !m["exists"] {
			return ""
		}
	}
	return req.TurtleID
}

type wsConn struct {
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex

	mu     sync.Mutex
	turtle string
	jobs   <-chan domain.Job
	pushes sync.WaitGroup
}

func (c *wsConn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) turtleID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turtle
}

// attach subscribes the connection to pushes for id. A connection follows
// the last turtle it spoke for.
func (c *wsConn) attach(id string) {
	if id == "" || c.server.bus == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turtle == id {
		return
	}
	if c.jobs != nil {
		c.server.bus.Unregister(c.turtle, c.jobs)
	}
	ch := c.server.bus.Register(id)
	c.turtle, c.jobs = id, ch
	c.pushes.Add(1)
	go func() {
		defer c.pushes.Done()
		for job := range ch {
			if err := c.write(Push{Push: "job", Data: job}); err != nil {
				c.server.logger.Debug("job push failed", "turtle", id, "tracker", job.TrackerID, "error", err)
			}
		}
	}()
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.jobs != nil {
		c.server.bus.Unregister(c.turtle, c.jobs)
		c.jobs = nil
	}
	c.mu.Unlock()
	c.pushes.Wait()
	_ = c.conn.Close()
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
