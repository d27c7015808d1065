// Package observer streams loader tick reports to local websocket clients and
// serves a bootstrap snapshot of the loader state.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/observerproto"
	"voxelstream.ai/internal/sim/streaming"
)

type Config struct {
	MaxClients int
	SendBuffer int
}

type Server struct {
	cfg Config
	log logrus.FieldLogger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	state atomic.Pointer[observerproto.BootstrapResponse]

	mu      sync.Mutex
	clients map[string]*client

	dropped atomic.Uint64
}

type client struct {
	id  string
	out chan []byte

	mu     sync.Mutex
	filter map[string]bool
	idle   bool
}

func (c *client) subscribe(sub observerproto.SubscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = nil
	if len(sub.Witnesses) > 0 {
		c.filter = make(map[string]bool, len(sub.Witnesses))
		for _, id := range sub.Witnesses {
			c.filter[id] = true
		}
	}
	c.idle = sub.IncludeIdle
}

func (c *client) settings() (map[string]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter, c.idle
}

func NewServer(cfg Config, logger logrus.FieldLogger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	s := &Server{
		cfg: cfg,
		log: logger.WithField("component", "observer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		clients: map[string]*client{},
	}
	s.state.Store(&observerproto.BootstrapResponse{ProtocolVersion: observerproto.Version})
	return s
}

// SetState replaces the bootstrap snapshot. Called from the tick loop.
func (s *Server) SetState(st observerproto.BootstrapResponse) {
	st.ProtocolVersion = observerproto.Version
	s.state.Store(&st)
}

// Clients is the number of subscribed websocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Dropped counts messages not delivered because a client's buffer was full.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// RecordTick fans r out to every client without blocking.
func (s *Server) RecordTick(r streaming.TickReport) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	active := len(r.Applied) > 0 || len(r.Submitted) > 0 || r.BackpressureSkips > 0
	var shared []byte
	for _, c := range clients {
		filter, idle := c.settings()
		if !active && !idle {
			continue
		}
		var b []byte
		if filter == nil {
			if shared == nil {
				shared, _ = json.Marshal(tickMsg(r, nil))
			}
			b = shared
		} else {
			b, _ = json.Marshal(tickMsg(r, filter))
		}
		select {
		case c.out <- b:
		default:
			s.dropped.Add(1)
			metrics.ObserverDroppedReportsTotal.Inc()
		}
	}
}

func tickMsg(r streaming.TickReport, filter map[string]bool) observerproto.TickMsg {
	return observerproto.TickMsg{
		Type:              "TICK",
		ProtocolVersion:   observerproto.Version,
		Tick:              r.Tick,
		Applied:           batchMsgs(r.Applied, filter),
		Submitted:         batchMsgs(r.Submitted, filter),
		Marked:            r.Marked,
		BackpressureSkips: r.BackpressureSkips,
		Pending:           r.Pending,
	}
}

func batchMsgs(in []streaming.BatchReport, filter map[string]bool) []observerproto.BatchMsg {
	var out []observerproto.BatchMsg
	for _, b := range in {
		if filter != nil && !filter[b.Witness] {
			continue
		}
		out = append(out, observerproto.BatchMsg{
			ID:            b.ID,
			Witness:       b.Witness,
			Size:          b.Size,
			SubmittedTick: b.SubmittedTick,
			AppliedTick:   b.AppliedTick,
			Loaded:        b.Loaded,
			Empty:         b.Empty,
			Failed:        b.Failed,
			UnitFailed:    b.UnitFailed,
		})
	}
	return out
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.state.Load())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		c := &client{
			id:  fmt.Sprintf("O%d", s.nextID.Add(1)),
			out: make(chan []byte, s.cfg.SendBuffer),
		}
		c.subscribe(sub)
		if !s.join(c) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		defer s.leave(c)
		log := s.log.WithField("session", c.id)
		log.Info("observer subscribed")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				c.subscribe(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		log.Info("observer left")
	}
}

func (s *Server) join(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.cfg.MaxClients {
		return false
	}
	s.clients[c.id] = c
	metrics.ObserverClients.Set(float64(len(s.clients)))
	return true
}

func (s *Server) leave(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	metrics.ObserverClients.Set(float64(len(s.clients)))
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
