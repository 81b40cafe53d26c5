package headwatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/pkg/logger"
)

func init() {
	_ = logger.Init("error", "test")
}

type countingTarget struct {
	nudges atomic.Int32
}

func (t *countingTarget) Nudge() { t.nudges.Add(1) }

// headServer answers one eth_subscribe and then streams the given
// head numbers.
func headServer(t *testing.T, heads []string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, conn.ReadJSON(&req))
		require.Equal(t, "eth_subscribe", req.Method)

		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id":      req.ID,
			"jsonrpc": "2.0",
			"result":  "0xsub1",
		}))

		for _, head := range heads {
			msg := map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params": map[string]interface{}{
					"subscription": "0xsub1",
					"result":       map[string]string{"number": head},
				},
			}
			payload, err := json.Marshal(msg)
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
		}

		// Hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWatcher_NudgesTargetsOnNewHead(t *testing.T) {
	srv := headServer(t, []string{"0x10", "0x11"})
	defer srv.Close()

	target := &countingTarget{}
	w := New(Config{WSURL: wsURL(srv), ChainID: 1, MinGap: time.Nanosecond}, []Target{target}, logger.Get())

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return target.nudges.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_DebouncesNudgesWithinMinGap(t *testing.T) {
	srv := headServer(t, []string{"0x10", "0x11", "0x12", "0x13"})
	defer srv.Close()

	target := &countingTarget{}
	// A gap longer than the test means only the first head nudges
	w := New(Config{WSURL: wsURL(srv), ChainID: 1, MinGap: time.Hour}, []Target{target}, logger.Get())

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return target.nudges.Load() == 1
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), target.nudges.Load())
}

func TestWatcher_RequiresWebsocketURL(t *testing.T) {
	w := New(Config{ChainID: 1}, nil, logger.Get())
	err := w.Start(context.Background())
	require.Error(t, err)
}

func TestWatcher_StopIsIdempotentBeforeStart(t *testing.T) {
	w := New(Config{WSURL: "ws://127.0.0.1:1", ChainID: 1}, nil, logger.Get())
	// Never started; Stop must not panic or block
	w.Stop()
}
