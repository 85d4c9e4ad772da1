package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/config"
	"github.com/luminarimud/i3-gateway/internal/persist"
)

const adminKey = "luminari-admin-key-0001"

// testConfig points the link at a dead router so boots are quiet and
// deterministic: the gateway must serve its API regardless.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Mud.Name = "LuminariMUD"
	cfg.Mud.Port = 4100
	cfg.Mud.AdminEmail = "imps@luminari.example"

	cfg.Router.Hosts = []config.RouterHost{{Name: "*test", Address: "127.0.0.1:1"}}
	cfg.Router.ConnectTimeoutSeconds = 1
	cfg.Router.BackoffBaseMs = 20
	cfg.Router.BackoffCapSeconds = 1
	cfg.Router.MaxAttempts = 2
	cfg.Router.DrainTimeoutSeconds = 1

	cfg.API.WSAddr = "127.0.0.1:0"
	cfg.API.TCPAddr = "127.0.0.1:0"
	cfg.API.HealthAddr = "127.0.0.1:0"

	cfg.Auth.Keys = []auth.KeyRecord{{
		ID:          "key-admin",
		Hash:        auth.HashKey(adminKey),
		MudName:     "LuminariMUD",
		Permissions: []string{"*"},
	}}
	cfg.Persist.File = filepath.Join(t.TempDir(), "state.json")
	return cfg
}

type gatewayFixture struct {
	t      *testing.T
	g      *Gateway
	cancel context.CancelFunc
	done   chan error

	mu   sync.Mutex
	err  error
	over bool
}

func startGateway(t *testing.T, cfg *config.Config) *gatewayFixture {
	t.Helper()
	g, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	require.NoError(t, g.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	f := &gatewayFixture{t: t, g: g, cancel: cancel, done: done}
	t.Cleanup(func() { f.stop() })
	return f
}

// wait blocks until Run returns, caching the result so stop stays
// idempotent across test body and cleanup.
func (f *gatewayFixture) wait(limit time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.over {
		return f.err
	}
	select {
	case f.err = <-f.done:
		f.over = true
	case <-time.After(limit):
		f.t.Fatalf("gateway did not stop within %s", limit)
	}
	return f.err
}

func (f *gatewayFixture) stop() error {
	f.cancel()
	return f.wait(15 * time.Second)
}

func (f *gatewayFixture) tcpClient() (net.Conn, *bufio.Reader) {
	f.t.Helper()
	conn, err := net.DialTimeout("tcp", f.g.TCPAddr(), 2*time.Second)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func tcpCall(t *testing.T, conn net.Conn, r *bufio.Reader, body string) map[string]interface{} {
	t.Helper()
	_, err := fmt.Fprintf(conn, "%s\n", body)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func result(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	require.Nil(t, resp["error"], "unexpected error: %v", resp["error"])
	res, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "result is %T", resp["result"])
	return res
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestGatewayServesAPIWithRouterDown(t *testing.T) {
	f := startGateway(t, testConfig(t))

	code, body := httpGet(t, "http://"+f.g.HealthAddr()+"/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "alive")

	code, _ = httpGet(t, "http://"+f.g.HealthAddr()+"/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code, "never-connected link is not ready")

	conn, r := f.tcpClient()
	authRes := result(t, tcpCall(t, conn, r,
		`{"jsonrpc":"2.0","method":"authenticate","params":{"api_key":"`+adminKey+`"},"id":"1"}`))
	assert.NotEmpty(t, authRes["session_id"])
	assert.Equal(t, "LuminariMUD", authRes["mud_name"])

	statusRes := result(t, tcpCall(t, conn, r,
		`{"jsonrpc":"2.0","method":"status","id":"2"}`))
	assert.Equal(t, false, statusRes["ready"])
	assert.Equal(t, "test", statusRes["version"])

	require.NoError(t, f.stop())
}

func TestWSRoundTripThroughFullStack(t *testing.T) {
	f := startGateway(t, testConfig(t))

	hdr := http.Header{}
	hdr.Set("X-API-Key", adminKey)
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+f.g.WSAddr()+"/ws", hdr)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","method":"status","id":"1"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var r struct {
		Result struct {
			MudName string `json:"mud_name"`
			Version string `json:"version"`
			Ready   bool   `json:"ready"`
		} `json:"result"`
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, "1", r.ID)
	assert.Equal(t, "LuminariMUD", r.Result.MudName)
	assert.Equal(t, "test", r.Result.Version)
	assert.False(t, r.Result.Ready)
}

func TestShutdownMethodStopsGateway(t *testing.T) {
	f := startGateway(t, testConfig(t))

	conn, r := f.tcpClient()
	result(t, tcpCall(t, conn, r,
		`{"jsonrpc":"2.0","method":"authenticate","params":{"api_key":"`+adminKey+`"},"id":"1"}`))
	shutRes := result(t, tcpCall(t, conn, r,
		`{"jsonrpc":"2.0","method":"shutdown","params":{"reason":"maintenance window"},"id":"2"}`))
	assert.Equal(t, "shutting_down", shutRes["status"])

	assert.NoError(t, f.wait(15*time.Second), "shutdown method must end Run")
}

func TestSignalContextStopsGateway(t *testing.T) {
	f := startGateway(t, testConfig(t))
	require.NoError(t, f.stop())
}

func TestPersistedListIDsSeedTheStore(t *testing.T) {
	cfg := testConfig(t)

	seed, err := persist.Open(cfg.Persist.File)
	require.NoError(t, err)
	seed.SetListIDs(42, 7)

	f := startGateway(t, cfg)
	conn, r := f.tcpClient()
	result(t, tcpCall(t, conn, r,
		`{"jsonrpc":"2.0","method":"authenticate","params":{"api_key":"`+adminKey+`"},"id":"1"}`))

	mudRes := result(t, tcpCall(t, conn, r, `{"jsonrpc":"2.0","method":"mudlist","id":"2"}`))
	assert.EqualValues(t, 42, mudRes["mudlist_id"])

	chanRes := result(t, tcpCall(t, conn, r, `{"jsonrpc":"2.0","method":"channel_list","id":"3"}`))
	assert.EqualValues(t, 7, chanRes["chanlist_id"])
}

func TestMetricsEndpointExportsGatewaySeries(t *testing.T) {
	f := startGateway(t, testConfig(t))

	code, body := httpGet(t, "http://"+f.g.HealthAddr()+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "i3_gateway_sessions_active")
	assert.Contains(t, body, "go_goroutines", "runtime collector is registered")
}
