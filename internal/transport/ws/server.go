package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldstream/internal/protocol"
	"worldstream/internal/scheduler"
)

type client struct {
	id     string
	out    chan []byte
	events bool

	mu      sync.Mutex
	players map[string]struct{} // player ids this connection has moved
}

// Server speaks the JSON streaming protocol over one WebSocket per client.
// It also implements scheduler.EventSink so subscribed clients receive
// lifecycle EVENT fanout.
type Server struct {
	sched *scheduler.Scheduler
	log   *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

func NewServer(sched *scheduler.Scheduler, logger *log.Logger) *Server {
	return &Server{
		sched: sched,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: make(map[string]*client),
	}
}

// Record implements scheduler.EventSink. It must not call back into the
// scheduler; it only marshals and fans out.
func (s *Server) Record(ev scheduler.Event) {
	s.mu.Lock()
	if len(s.clients) == 0 {
		s.mu.Unlock()
		return
	}
	msg := protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Kind:            ev.Kind,
		ID:              ev.ID,
		CX:              ev.Chunk.CX,
		CZ:              ev.Chunk.CZ,
		Tier:            ev.Tier,
		Requester:       ev.Requester,
		DurationMs:      ev.DurationMs,
		Reason:          ev.Reason,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		s.mu.Unlock()
		return
	}
	for _, c := range s.clients {
		if !c.events {
			continue
		}
		select {
		case c.out <- b:
		default:
			// Slow subscriber: drop rather than stall the scheduler.
		}
	}
	s.mu.Unlock()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(conn)
		if c == nil {
			return
		}
		defer s.detach(c)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-c.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				continue
			}
			switch base.Type {
			case protocol.TypeSubmit:
				s.handleSubmit(ctx, c, msg)
			case protocol.TypeMove:
				s.handleMove(c, msg)
			case protocol.TypeCancel:
				s.handleCancel(c, msg)
			case protocol.TypeInspect:
				s.handleInspect(c)
			default:
				// Unknown types are ignored, same as malformed frames.
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}

	c := &client{
		id:      "cli_" + uuid.NewString(),
		out:     make(chan []byte, maxQ),
		events:  hello.Capabilities.Events,
		players: make(map[string]struct{}),
	}

	cfg := s.sched.Config()
	caps := make(map[string]int, len(cfg.TierCapacities))
	for p := scheduler.PriorityCritical; p <= scheduler.PriorityBackground; p++ {
		caps[p.String()] = cfg.TierCapacities[p]
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ClientID:        c.id,
		StreamParams: protocol.StreamParams{
			Strategy:           cfg.Strategy,
			MaxConcurrentLoads: cfg.MaxConcurrentLoads,
			ChunkSize:          [2]int{16, 16},
			TierCapacities:     caps,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.log.Printf("client %s connected (%s)", c.id, hello.ClientName)
	return c
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.mu.Lock()
	for pid := range c.players {
		s.sched.Predictor().Forget(pid)
	}
	c.mu.Unlock()
	s.log.Printf("client %s disconnected", c.id)
}

func (s *Server) handleSubmit(ctx context.Context, c *client, msg []byte) {
	var m protocol.SubmitMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		s.sendResult(c, "submit", "", protoErr("malformed SUBMIT"))
		return
	}
	req, perr := requestFromSpec(m.Request, time.Now())
	if perr != nil {
		s.sendResult(c, "submit", m.Request.ID, perr)
		return
	}
	req.Requester = c.id

	var err error
	if m.Blocking {
		err = s.sched.SubmitWait(ctx, req)
	} else {
		err = s.sched.Submit(req)
	}
	if err != nil {
		s.sendResult(c, "submit", req.ID, err)
		return
	}
	s.send(c, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Op:              "submit",
		ID:              req.ID,
		OK:              true,
	})
}

func (s *Server) handleMove(c *client, msg []byte) {
	var m protocol.MoveMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		s.sendResult(c, "move", "", protoErr("malformed MOVE"))
		return
	}
	if m.PlayerID == "" {
		s.sendResult(c, "move", "", protoErr("player_id required"))
		return
	}
	at := time.Now()
	if m.TimestampMs > 0 {
		at = time.UnixMilli(m.TimestampMs)
	}
	c.mu.Lock()
	c.players[m.PlayerID] = struct{}{}
	c.mu.Unlock()
	n := s.sched.UpdateMovement(m.PlayerID, scheduler.Position{X: m.X, Z: m.Z}, at)
	s.send(c, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Op:              "move",
		ID:              m.PlayerID,
		OK:              true,
		Submitted:       n,
	})
}

func (s *Server) handleCancel(c *client, msg []byte) {
	var m protocol.CancelMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		s.sendResult(c, "cancel", "", protoErr("malformed CANCEL"))
		return
	}
	reason := m.Reason
	if reason == "" {
		reason = "client request"
	}
	if _, err := s.sched.Cancel(m.ID, reason); err != nil {
		s.sendResult(c, "cancel", m.ID, err)
		return
	}
	s.send(c, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Op:              "cancel",
		ID:              m.ID,
		OK:              true,
	})
}

func (s *Server) handleInspect(c *client) {
	snap := s.sched.Inspect()
	met := s.sched.PerformanceMetrics()
	s.send(c, protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		Snapshot: protocol.SnapshotBody{
			Strategy:           snap.Strategy,
			MaxConcurrentLoads: snap.MaxConcurrentLoads,
			Pending:            snap.Pending,
			PendingByTier:      snap.PendingByTier,
			InProgress:         snap.InProgress,
			Completed:          snap.Completed,
			Failed:             snap.Failed,
			Cancelled:          snap.Cancelled,
			Admitted:           snap.Admitted,
			TotalProcessed:     snap.TotalProcessed,
			AvgLoadMs:          snap.AvgLoadMs,
		},
		Metrics: protocol.MetricsBody{
			AvgLoadMs:          met.AvgLoadMs,
			LoadSamples:        met.LoadSamples,
			Dispatched:         met.Dispatched,
			PredictedSubmitted: met.PredictedSubmitted,
			PredictedDropped:   met.PredictedDropped,
		},
	})
}

// protocolError is a transport-level rejection, before the scheduler sees
// the request.
type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }

func protoErr(msg string) error { return &protocolError{msg: msg} }

func requestFromSpec(spec protocol.RequestSpec, now time.Time) (scheduler.LoadingRequest, error) {
	var req scheduler.LoadingRequest
	tier, ok := scheduler.ParsePriority(spec.Priority)
	if !ok {
		return req, protoErr("unknown priority " + spec.Priority)
	}
	id := spec.ID
	if id == "" {
		id = "req_" + uuid.NewString()
	}
	size := spec.EstimatedSize
	if size == 0 {
		size = 512
	}
	req = scheduler.LoadingRequest{
		ID:            id,
		Chunk:         scheduler.ChunkKey{CX: spec.CX, CZ: spec.CZ},
		Priority:      tier,
		Distance:      spec.Distance,
		EstimatedSize: size,
		SubmittedAt:   now,
		DependsOn:     spec.DependsOn,
		Meta:          spec.Meta,
	}
	if spec.DeadlineMs > 0 {
		req.Deadline = now.Add(time.Duration(spec.DeadlineMs) * time.Millisecond)
	}
	return req, nil
}

func (s *Server) sendResult(c *client, op, id string, err error) {
	code := protocol.CodeFor(err)
	var perr *protocolError
	if errors.As(err, &perr) {
		code = protocol.ErrProtoBadRequest
	}
	s.send(c, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Op:              op,
		ID:              id,
		OK:              false,
		Code:            code,
		Message:         err.Error(),
	})
}

func (s *Server) send(c *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
		s.log.Printf("client %s send buffer full, dropping %T", c.id, v)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
