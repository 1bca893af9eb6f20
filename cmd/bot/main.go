package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldstream/internal/protocol"
)

// The bot simulates one player walking through the world: it streams MOVE
// samples so the server predicts ahead of it, and sprinkles explicit SUBMITs
// and the odd CANCEL on top.
func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name   = flag.String("name", "bot", "client name")
		player = flag.String("player", "", "player id (default: random)")
		speed  = flag.Float64("speed", 4.0, "walk speed, blocks/s")
		hz     = flag.Float64("hz", 4.0, "movement samples per second")
		seed   = flag.Int64("seed", 0, "rng seed (0: time-based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))

	playerID := *player
	if playerID == "" {
		playerID = "p_" + uuid.NewString()[:8]
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		Capabilities: protocol.HelloCapabilities{
			MaxQueue: 32,
			Events:   true,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	// Drain server frames in the background; log only the interesting ones.
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeWelcome:
				var w protocol.WelcomeMsg
				if err := json.Unmarshal(msg, &w); err != nil {
					continue
				}
				logger.Printf("WELCOME client_id=%s strategy=%s max_concurrent=%d", w.ClientID, w.StreamParams.Strategy, w.StreamParams.MaxConcurrentLoads)
			case protocol.TypeResult:
				var res protocol.ResultMsg
				if err := json.Unmarshal(msg, &res); err != nil {
					continue
				}
				if !res.OK {
					logger.Printf("RESULT op=%s id=%s code=%s %s", res.Op, res.ID, res.Code, res.Message)
				} else if res.Op == "move" && res.Submitted > 0 {
					logger.Printf("MOVE accepted, %d predictive loads", res.Submitted)
				}
			case protocol.TypeEvent:
				var ev protocol.EventMsg
				if err := json.Unmarshal(msg, &ev); err != nil {
					continue
				}
				if ev.Kind == "complete" {
					logger.Printf("chunk (%d,%d) loaded in %.1fms", ev.CX, ev.CZ, ev.DurationMs)
				}
			case protocol.TypeState:
				var st protocol.StateMsg
				if err := json.Unmarshal(msg, &st); err != nil {
					continue
				}
				logger.Printf("STATE pending=%d in_progress=%d completed=%d avg=%.1fms", st.Snapshot.Pending, st.Snapshot.InProgress, st.Snapshot.Completed, st.Snapshot.AvgLoadMs)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	x, z := rng.Float64()*256-128, rng.Float64()*256-128
	heading := rng.Float64() * 2 * math.Pi
	step := time.Duration(float64(time.Second) / *hz)
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	var lastExplicit string
	for i := 0; ; i++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		// Mostly straight lines with occasional gentle turns, so the
		// predictor has something to latch onto.
		if rng.Float64() < 0.1 {
			heading += (rng.Float64() - 0.5) * math.Pi / 2
		}
		dt := step.Seconds()
		x += math.Cos(heading) * *speed * dt
		z += math.Sin(heading) * *speed * dt

		move := protocol.MoveMsg{
			Type:            protocol.TypeMove,
			ProtocolVersion: protocol.Version,
			PlayerID:        playerID,
			X:               x,
			Z:               z,
			TimestampMs:     time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(move); err != nil {
			logger.Fatalf("send MOVE: %v", err)
		}

		// Every few seconds request a far chunk explicitly (a map ping, a
		// teleport target), occasionally cancelling the previous one.
		if i%16 == 8 {
			cx := int(x/16) + rng.Intn(32) - 16
			cz := int(z/16) + rng.Intn(32) - 16
			id := "req_" + uuid.NewString()[:8]
			submit := protocol.SubmitMsg{
				Type:            protocol.TypeSubmit,
				ProtocolVersion: protocol.Version,
				Request: protocol.RequestSpec{
					ID:       id,
					CX:       cx,
					CZ:       cz,
					Priority: "low",
					Distance: math.Hypot(float64(cx*16)-x, float64(cz*16)-z) + 1,
				},
			}
			if err := conn.WriteJSON(submit); err != nil {
				logger.Fatalf("send SUBMIT: %v", err)
			}
			if lastExplicit != "" && rng.Float64() < 0.3 {
				cancel := protocol.CancelMsg{
					Type:            protocol.TypeCancel,
					ProtocolVersion: protocol.Version,
					ID:              lastExplicit,
					Reason:          "superseded",
				}
				if err := conn.WriteJSON(cancel); err != nil {
					logger.Fatalf("send CANCEL: %v", err)
				}
			}
			lastExplicit = id
		}

		if i%64 == 32 {
			inspect := protocol.InspectMsg{Type: protocol.TypeInspect, ProtocolVersion: protocol.Version}
			if err := conn.WriteJSON(inspect); err != nil {
				logger.Fatalf("send INSPECT: %v", err)
			}
		}
	}
}
