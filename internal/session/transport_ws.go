package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mehdi852/chat-relay/internal/event"
)

const (
	defaultDialAttempts = 5
	defaultRetryDelay   = time.Second
	defaultDialTimeout  = 20 * time.Second
	emitWriteWait       = 10 * time.Second
)

// WSTransport connects to the relay's admin websocket endpoint. A failed
// dial is retried a bounded number of times with a fixed delay; a dropped
// connection gets the same bounded redial budget before the sink sees the
// disconnect.
type WSTransport struct {
	baseURL string
	token   string
	logger  *zap.Logger

	attempts   int
	retryDelay time.Duration
	timeout    time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	sink   EventSink
	params Params
	// gen invalidates readers and pending dials from earlier connects.
	gen int
}

func NewWSTransport(baseURL, token string, logger *zap.Logger) *WSTransport {
	return &WSTransport{
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
		attempts:   defaultDialAttempts,
		retryDelay: defaultRetryDelay,
		timeout:    defaultDialTimeout,
	}
}

func (t *WSTransport) Connect(ctx context.Context, p Params, sink EventSink) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.sink = sink
	t.params = p
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, err := t.dial(ctx, p)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if gen != t.gen {
		// Disconnect or a newer Connect won the race.
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connection superseded")
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn, gen)
	sink.HandleConnect()
	return nil
}

// dial attempts the websocket handshake up to the configured budget.
func (t *WSTransport) dial(ctx context.Context, p Params) (*websocket.Conn, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transport url: %w", err)
	}
	q := u.Query()
	q.Set("websiteId", strconv.Itoa(p.WebsiteID))
	q.Set("userId", strconv.Itoa(p.UserID))
	q.Set("type", p.Type)
	q.Set("token", t.token)
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		t.logger.Warn("dial failed",
			zap.Int("attempt", attempt),
			zap.Int("websiteID", p.WebsiteID),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial timed out: %w", lastErr)
		case <-time.After(t.retryDelay):
		}
	}
	return nil, fmt.Errorf("dial failed after %d attempts: %w", t.attempts, lastErr)
}

func (t *WSTransport) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stale := gen != t.gen
			sink := t.sink
			params := t.params
			t.mu.Unlock()
			if stale {
				return // deliberate disconnect
			}

			// Connection dropped; redial with the same bounded budget.
			ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
			next, dialErr := t.dial(ctx, params)
			cancel()

			t.mu.Lock()
			if gen != t.gen {
				t.mu.Unlock()
				if next != nil {
					next.Close()
				}
				return
			}
			if dialErr != nil {
				t.conn = nil
				t.mu.Unlock()
				if sink != nil {
					sink.HandleDisconnect(err)
				}
				return
			}
			t.conn = next
			t.mu.Unlock()
			conn = next
			if sink != nil {
				sink.HandleConnect()
			}
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			t.logger.Warn("unparseable envelope", zap.Error(err))
			continue
		}

		t.mu.Lock()
		stale := gen != t.gen
		sink := t.sink
		t.mu.Unlock()
		if stale {
			return
		}
		if sink != nil {
			sink.HandleEvent(env.Type, env.Payload)
		}
	}
}

func (t *WSTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.sink = nil
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *WSTransport) Emit(name string, payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	data, err := event.Marshal(name, payload)
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(emitWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
