// Package headwatcher subscribes to the chain's newHeads stream and
// nudges the refresh workers when a block lands, so cached state
// tracks the chain tighter than interval polling alone. The watcher
// is an optimization only: when the socket is down the interval loops
// keep running and nothing is lost but latency.
package headwatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"atlas/internal/metrics"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
	"atlas/pkg/reconnect"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	readLimitBytes   = 1 << 20

	// defaultMinGap debounces nudges: one per gap is enough to keep a
	// 30s refresh loop current on a 12s chain
	defaultMinGap = 10 * time.Second
)

// Target is anything the watcher kicks on a new block.
type Target interface {
	Nudge()
}

// Config configures the head subscription.
type Config struct {
	WSURL   string
	ChainID int64
	// MinGap is the minimum time between nudges. Zero means the
	// default.
	MinGap time.Duration
}

// Watcher owns one newHeads subscription and its reconnect loop.
type Watcher struct {
	cfg     Config
	chain   string
	targets []Target
	manager *reconnect.Manager
	log     *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}

	lastNudge time.Time
}

// New creates a head watcher nudging the given targets.
func New(cfg Config, targets []Target, log *logger.Logger) *Watcher {
	if cfg.MinGap <= 0 {
		cfg.MinGap = defaultMinGap
	}
	l := log.Named("headwatcher")
	return &Watcher{
		cfg:     cfg,
		chain:   fmt.Sprintf("%d", cfg.ChainID),
		targets: targets,
		log:     l,
		manager: reconnect.NewManager(reconnect.Config{
			MinBackoff:       time.Second,
			MaxBackoff:       time.Minute,
			MaxRetries:       -1, // never open the circuit: polling covers outages, keep probing
			HeartbeatTimeout: 5 * time.Minute,
		}, l),
	}
}

// Start launches the subscription loop. Returns an error only on
// misconfiguration; connection failures are retried in the loop.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cfg.WSURL == "" {
		return errors.Wrap(errors.ErrInvalidInput, "head watcher requires a websocket url")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop tears the subscription down and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.closeConn()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer metrics.HeadWatcherConnections.WithLabelValues(w.chain).Set(0)

	for ctx.Err() == nil {
		if err := w.manager.ReconnectWithBackoff(ctx, w.connect); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.HeadWatcherReconnects.WithLabelValues(w.chain, "failed").Inc()
			continue
		}

		metrics.HeadWatcherReconnects.WithLabelValues(w.chain, "success").Inc()
		metrics.HeadWatcherConnections.WithLabelValues(w.chain).Set(1)

		w.readLoop(ctx)

		metrics.HeadWatcherConnections.WithLabelValues(w.chain).Set(0)
		w.closeConn()
	}
}

// connect dials the endpoint and subscribes to newHeads.
func (w *Watcher) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, w.cfg.WSURL, nil)
	if err != nil {
		return errors.Wrapf(errors.ErrRPCUnavailable, "dial %s: %v", w.cfg.WSURL, err)
	}
	conn.SetReadLimit(readLimitBytes)

	sub := map[string]interface{}{
		"id":      1,
		"jsonrpc": "2.0",
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return errors.Wrap(err, "send subscribe request")
	}

	var resp struct {
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return errors.Wrap(err, "read subscribe response")
	}
	if resp.Error != nil {
		conn.Close()
		return errors.Newf("subscribe rejected: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if resp.Result == "" {
		conn.Close()
		return errors.Wrap(errors.ErrMalformedPayload, "subscribe response missing subscription id")
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	w.log.Infow("subscribed to new heads", "url", w.cfg.WSURL, "subscription", resp.Result)
	return nil
}

// readLoop consumes head notifications until the connection breaks.
func (w *Watcher) readLoop(ctx context.Context) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warnw("head subscription read failed", "error", err)
			}
			return
		}
		w.manager.RecordMessageReceived()

		var note struct {
			Method string `json:"method"`
			Params struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := json.Unmarshal(payload, &note); err != nil || note.Method != "eth_subscription" {
			continue
		}

		w.onHead(note.Params.Result.Number)
	}
}

func (w *Watcher) onHead(number string) {
	now := time.Now()
	if now.Sub(w.lastNudge) < w.cfg.MinGap {
		return
	}
	w.lastNudge = now

	w.log.Debugw("new head, nudging refresh workers", "block", number, "targets", len(w.targets))
	for _, t := range w.targets {
		t.Nudge()
	}
}

func (w *Watcher) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
