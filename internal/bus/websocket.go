package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

// Frame kinds.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Frame is the WebSocket wire unit. A response frame carries the seq of the request it
// answers. Error is set when the remote handler failed without producing a response.
type Frame struct {
	Seq      int64            `json:"seq"`
	Kind     string           `json:"kind"`
	Request  *models.Request  `json:"request,omitempty"`
	Response *models.Response `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// peer is one end of a WebSocket connection. Both ends can issue requests and answer them.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	handler Handler
	timeout time.Duration

	mu      sync.Mutex
	nextSeq int64
	pending map[int64]chan Frame
	closed  chan struct{}
	once    sync.Once
}

func newPeer(conn *websocket.Conn, handler Handler, timeout time.Duration) *peer {
	return &peer{
		conn:    conn,
		handler: handler,
		timeout: timeout,
		pending: make(map[int64]chan Frame),
		closed:  make(chan struct{}),
	}
}

func (p *peer) writeFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// request sends req and waits for the frame with the matching seq.
func (p *peer) request(ctx context.Context, req models.Request) (models.Response, error) {
	ch := make(chan Frame, 1)
	p.mu.Lock()
	p.nextSeq++
	seq := p.nextSeq
	p.pending[seq] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
	}()

	if err := p.writeFrame(Frame{Seq: seq, Kind: FrameRequest, Request: &req}); err != nil {
		return models.Response{}, err
	}

	select {
	case f := <-ch:
		if f.Response == nil {
			return models.Response{}, &RemoteError{Message: f.Error}
		}
		return *f.Response, nil
	case <-p.closed:
		return models.Response{}, ErrClosed
	case <-ctx.Done():
		return models.Response{}, ctx.Err()
	}
}

// readLoop runs until the connection fails. Requests are answered on their own goroutine
// so a slow handler does not stall replies to this side's own requests.
func (p *peer) readLoop() {
	defer p.close()

	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("bus.peer.readLoop: connection error", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("bus.peer.readLoop: dropping malformed frame", "error", err)
			continue
		}

		switch f.Kind {
		case FrameResponse:
			p.mu.Lock()
			ch, ok := p.pending[f.Seq]
			p.mu.Unlock()
			if !ok {
				slog.Debug("bus.peer.readLoop: response for unknown or expired request", "seq", f.Seq)
				continue
			}
			select {
			case ch <- f:
			default:
			}
		case FrameRequest:
			if f.Request == nil {
				continue
			}
			go p.answer(f.Seq, *f.Request)
		default:
			slog.Warn("bus.peer.readLoop: unknown frame kind", "kind", f.Kind)
		}
	}
}

func (p *peer) answer(seq int64, req models.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	reply := Frame{Seq: seq, Kind: FrameResponse}
	if p.handler == nil {
		reply.Error = "no handler"
	} else if resp, err := p.handler(ctx, req); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Response = &resp
	}
	if err := p.writeFrame(reply); err != nil {
		slog.Debug("bus.peer.answer: write failed", "seq", seq, "error", err)
	}
}

// pingLoop keeps idle connections alive until the peer closes.
func (p *peer) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			p.writeMu.Unlock()
			if err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

// RemoteError is returned when the other end failed to handle a request.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote handler failed: " + e.Message
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Pages connect from the chat site or from extension origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades a page connection. The tab id comes from the "tab" query parameter.
// Requests from the page go to the background handler; the page is registered in the hub
// until the connection drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tabID := r.URL.Query().Get("tab")
	if tabID == "" {
		http.Error(w, "missing tab parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Hub.ServeWS: upgrade failed", "tab", tabID, "error", err)
		return
	}

	p := newPeer(conn, h.Dispatch, h.timeout)
	disconnect := h.Connect(tabID, p.request)

	go p.pingLoop()
	go func() {
		defer disconnect()
		p.readLoop()
	}()
}

// Client is the page side of a WebSocket connection to the coordinator.
type Client struct {
	p *peer
}

// Dial connects a page to the coordinator at url (ws:// or wss://, including the tab
// parameter). handler answers requests the background sends to this page.
func Dial(ctx context.Context, url string, handler Handler) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	p := newPeer(conn, handler, DefaultRequestTimeout)
	go p.readLoop()
	go p.pingLoop()
	return &Client{p: p}, nil
}

// Request sends a request to the background and waits for its response.
func (c *Client) Request(ctx context.Context, req models.Request) (models.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.p.timeout)
	defer cancel()
	return c.p.request(ctx, req)
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.p.closed
}

// Close closes the connection.
func (c *Client) Close() error {
	c.p.writeMu.Lock()
	c.p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.p.writeMu.Unlock()
	c.p.close()
	return nil
}
