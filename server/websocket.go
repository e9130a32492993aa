package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/remeh/sizedwaitgroup"

	"powfaucet/faucet"
	"powfaucet/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server accepts every origin
	},
}

// wsClient is one websocket connection.
type wsClient struct {
	id        string
	conn      *websocket.Conn
	addr      string
	userAgent string
	joinedAt  time.Time
	log       *slog.Logger

	mu sync.Mutex // serializes writes
}

func (c *wsClient) send(msg *faucet.Message) error {
	data, err := faucet.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) push(action string, v any) {
	msg, err := faucet.NewMessage(action, v)
	if err != nil {
		c.log.Error("push encode failed", "action", action, "error", err)
		return
	}
	if err := c.send(msg); err != nil {
		c.log.Warn("push failed", "action", action, "error", err)
	}
}

// ClientInfo describes a connected client for the status endpoint.
type ClientInfo struct {
	ID        string  `json:"id"`
	Addr      string  `json:"addr"`
	UserAgent string  `json:"userAgent"`
	Uptime    float64 `json:"uptime"`
}

// Hub accepts faucet websocket connections and dispatches their requests
// to the Faucet.
type Hub struct {
	faucet *Faucet
	log    *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewHub creates a hub serving f.
func NewHub(f *Faucet, log *slog.Logger) *Hub {
	return &Hub{
		faucet:  f,
		log:     log.With("component", "websocket"),
		clients: make(map[string]*wsClient),
	}
}

// HandleWebSocket upgrades the request and serves the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:        uuid.NewString(),
		conn:      conn,
		addr:      r.RemoteAddr,
		userAgent: r.UserAgent(),
		joinedAt:  time.Now(),
	}
	c.log = h.log.With("client", c.id)

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	c.log.Info("client connected", "remote", c.addr)

	go h.serve(c)
}

func (h *Hub) serve(c *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		h.faucet.Detach(c)
		c.conn.Close()
		c.log.Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", "error", err)
			}
			return
		}

		var msg faucet.Message
		if err := faucet.Unmarshal(data, &msg); err != nil {
			c.log.Warn("invalid message", "error", err)
			continue
		}
		if msg.ID == 0 {
			continue
		}

		ctx := logger.WithLogger(context.Background(), c.log.With("action", msg.Action, "request", msg.ID))
		rsp, err := h.dispatch(c, &msg)
		h.reply(ctx, c, msg.ID, rsp, err)
	}
}

func (h *Hub) dispatch(c *wsClient, msg *faucet.Message) (any, error) {
	switch msg.Action {
	case faucet.ActionGetConfig:
		return h.faucet.Config(), nil

	case faucet.ActionStartSession:
		var req faucet.StartSessionRequest
		if err := msg.Decode(&req); err != nil {
			return nil, faucetError(codeBadRequest, "%v", err)
		}
		return h.faucet.StartSession(c, req)

	case faucet.ActionResumeSession:
		var req faucet.ResumeSessionRequest
		if err := msg.Decode(&req); err != nil {
			return nil, faucetError(codeBadRequest, "%v", err)
		}
		return h.faucet.ResumeSession(c, req)

	case faucet.ActionFoundShare:
		var share faucet.Share
		if err := msg.Decode(&share); err != nil {
			return nil, faucetError(codeBadRequest, "%v", err)
		}
		return nil, h.faucet.SubmitShare(c, share)

	case faucet.ActionCloseSession:
		var req faucet.CloseSessionRequest
		if err := msg.Decode(&req); err != nil {
			return nil, faucetError(codeBadRequest, "%v", err)
		}
		return h.faucet.CloseSession(req)

	case faucet.ActionClaimRewards:
		var req faucet.ClaimRequest
		if err := msg.Decode(&req); err != nil {
			return nil, faucetError(codeBadRequest, "%v", err)
		}
		return h.faucet.Claim(req)

	default:
		return nil, faucetError(codeUnknownAction, "unknown action %q", msg.Action)
	}
}

// reply answers request id. ctx carries the request-scoped logger.
func (h *Hub) reply(ctx context.Context, c *wsClient, id uint64, rsp any, err error) {
	var msg *faucet.Message
	if err != nil {
		var fe *faucet.Error
		if errors.As(err, &fe) {
			logger.InfoContext(ctx, "request rejected", "code", fe.Code, "reason", fe.Message)
		} else {
			logger.ErrorContext(ctx, "request failed", "error", err)
			fe = &faucet.Error{Code: codeInternal, Message: "internal error"}
		}
		msg, err = faucet.NewMessage(faucet.ActionError, fe)
	} else {
		logger.DebugContext(ctx, "request handled")
		msg, err = faucet.NewMessage(faucet.ActionOK, rsp)
	}
	if err != nil {
		logger.ErrorContext(ctx, "response encode failed", "error", err)
		return
	}
	msg.Rsp = id

	if err := c.send(msg); err != nil {
		logger.WarnContext(ctx, "send failed", "error", err)
	}
}

// BroadcastConfig pushes cfg to every connected client using a bounded
// number of concurrent writers.
func (h *Hub) BroadcastConfig(cfg *faucet.FaucetConfig) {
	msg, err := faucet.NewMessage(faucet.ActionConfig, cfg)
	if err != nil {
		h.log.Error("config encode failed", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	swg := sizedwaitgroup.New(runtime.NumCPU())
	for _, c := range clients {
		swg.Add()
		go func(c *wsClient) {
			defer swg.Done()
			if err := c.send(msg); err != nil {
				c.log.Warn("config push failed", "error", err)
			}
		}(c)
	}
	swg.Wait()
	h.log.Info("config broadcast", "clients", len(clients))
}

// Clients lists connected clients.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, ClientInfo{
			ID:        c.id,
			Addr:      c.addr,
			UserAgent: c.userAgent,
			Uptime:    time.Since(c.joinedAt).Seconds(),
		})
	}
	return out
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
		c.conn.Close()
	}
}
