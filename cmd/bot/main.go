package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type clientMessage struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"session_id,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`
}

type serverEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinedData struct {
	You struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"you"`
	WorldWidth  float64 `json:"world_width"`
	WorldHeight float64 `json:"world_height"`
}

var namePrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf",
	"Hawk", "Viper", "Ghost", "Titan", "Frost", "Nova", "Raven", "Omega",
}

func botName(idx int) string {
	return fmt.Sprintf("%s%d", namePrefixes[idx%len(namePrefixes)], idx/len(namePrefixes)+1)
}

type stats struct {
	moves      atomic.Int64
	events     atomic.Int64
	encounters atomic.Int64
	orbs       atomic.Int64
	errors     atomic.Int64
}

type bot struct {
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex
	x, y   float64
	width  float64
	height float64
	joined chan struct{}
	once   sync.Once
}

func main() {
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "server websocket url")
	sessionID := flag.String("session", "load-test", "session to join")
	clientCount := flag.Int("clients", 5, "number of bot clients")
	tick := flag.Duration("tick", 250*time.Millisecond, "movement tick interval")
	step := flag.Float64("step", 40, "max movement step per tick")
	duration := flag.Duration("duration", 30*time.Second, "how long to run")
	flag.Parse()

	if *clientCount < 1 {
		fmt.Println("clients must be >= 1")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Stop early on interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	counters := &stats{}
	var wg sync.WaitGroup
	bots := make([]*bot, 0, *clientCount)
	for i := 0; i < *clientCount; i++ {
		b, err := newBot(ctx, *wsURL, *sessionID, fmt.Sprintf("bot-%d", i+1), botName(i), counters)
		if err != nil {
			fmt.Printf("failed to start %s: %v\n", botName(i), err)
			os.Exit(1)
		}
		bots = append(bots, b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.walk(ctx, *tick, *step, counters)
		}()
	}

	<-ctx.Done()
	for _, b := range bots {
		_ = b.conn.WriteJSON(clientMessage{Type: "leave"})
		_ = b.conn.Close()
	}
	wg.Wait()

	fmt.Printf("bot run complete: clients=%d moves=%d events=%d encounters=%d orbs=%d errors=%d\n",
		*clientCount, counters.moves.Load(), counters.events.Load(),
		counters.encounters.Load(), counters.orbs.Load(), counters.errors.Load())
}

func newBot(ctx context.Context, wsURL, sessionID, userID, displayName string, counters *stats) (*bot, error) {
	conn, err := dialWithRetry(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	b := &bot{
		userID: userID,
		conn:   conn,
		width:  2000,
		height: 2000,
		joined: make(chan struct{}),
	}
	go b.readLoop(counters)

	if err := conn.WriteJSON(clientMessage{
		Type:        "join",
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	select {
	case <-b.joined:
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		conn.Close()
		return nil, fmt.Errorf("%s: no join confirmation", userID)
	}
	return b, nil
}

func (b *bot) readLoop(counters *stats) {
	for {
		_, payload, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		// Pings batch events newline-separated on one frame
		for _, raw := range strings.Split(string(payload), "\n") {
			if raw == "" {
				continue
			}
			var event serverEvent
			if json.Unmarshal([]byte(raw), &event) != nil {
				continue
			}
			counters.events.Add(1)
			switch event.Type {
			case "joined":
				var data joinedData
				if json.Unmarshal(event.Data, &data) == nil {
					b.mu.Lock()
					b.x, b.y = data.You.X, data.You.Y
					if data.WorldWidth > 0 {
						b.width = data.WorldWidth
					}
					if data.WorldHeight > 0 {
						b.height = data.WorldHeight
					}
					b.mu.Unlock()
				}
				b.once.Do(func() { close(b.joined) })
			case "encounter_started", "encounter_resolved", "encounter_stalemate", "duel_offered":
				counters.encounters.Add(1)
			case "orb_consumed":
				counters.orbs.Add(1)
			case "error":
				counters.errors.Add(1)
			}
		}
	}
}

func (b *bot) walk(ctx context.Context, tick time.Duration, step float64, counters *stats) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			b.x = clamp(b.x+(rand.Float64()*2-1)*step, 0, b.width)
			b.y = clamp(b.y+(rand.Float64()*2-1)*step, 0, b.height)
			x, y := b.x, b.y
			b.mu.Unlock()
			if err := b.conn.WriteJSON(clientMessage{Type: "move", X: x, Y: y}); err != nil {
				return
			}
			counters.moves.Add(1)
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func dialWithRetry(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		return nil, fmt.Errorf("invalid ws url: %s", wsURL)
	}
	var lastErr error
	for attempt := 0; attempt < 12; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(180 * time.Millisecond):
		}
	}
	return nil, lastErr
}
