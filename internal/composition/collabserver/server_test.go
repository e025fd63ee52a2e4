package collabserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"draft-collab/go-backend/internal/config"
	"draft-collab/go-backend/pkg/presenceview"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Env = "test"
	cfg.Server.Addr = "127.0.0.1:0"
	return cfg
}

type running struct {
	srv  *Server
	base string
	stop func() error
}

func startServer(t *testing.T, cfg config.Config) *running {
	t.Helper()
	srv, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("server did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return &running{srv: srv, base: "http://" + ln.Addr().String(), stop: stop}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerEndToEnd(t *testing.T) {
	r := startServer(t, testConfig())
	ctx := context.Background()

	header := http.Header{}
	header.Set("X-Actor-ID", "alice")
	header.Set("X-Actor-Role", "owner")
	client, err := presenceview.Dial(ctx, "ws"+strings.TrimPrefix(r.base, "http")+"/ws", presenceview.DialOptions{Header: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if err := client.Join(ctx, "d1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "snapshot", func() bool { return len(client.View().State().Members) == 1 })

	body := `{"jsonrpc":"2.0","id":1,"method":"presence.snapshot","params":["d1"]}`
	resp, err := http.Post(r.base+"/rpc", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("rpc: %v", err)
	}
	var rpcResp struct {
		Result struct {
			Members []struct {
				ActorID string `json:"actorId"`
			} `json:"members"`
		} `json:"result"`
	}
	err = json.NewDecoder(resp.Body).Decode(&rpcResp)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode rpc: %v", err)
	}
	if len(rpcResp.Result.Members) != 1 || rpcResp.Result.Members[0].ActorID != "alice" {
		t.Fatalf("unexpected snapshot over rpc: %+v", rpcResp.Result)
	}

	waitFor(t, "presence notification", func() bool { return r.srv.Notifications().LastSeq() == 1 })

	resp, err = http.Get(r.base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(metricsBody), `collab_presence_joins_total{replaced="false"} 1`) {
		t.Fatalf("metrics missing join counter")
	}

	if err := r.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client should be disconnected on shutdown")
	}
	if n := r.srv.Coordinator().Registry().MemberCount(); n != 0 {
		t.Fatalf("expected members to leave on shutdown, got %d", n)
	}
	if !r.srv.Coordinator().Serializer().Stats().Closed {
		t.Fatal("serializer should be closed after shutdown")
	}
}

func TestNewRequiresTokenInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected missing token error in production")
	}
	cfg.RPC.Token = "secret"
	if _, err := New(context.Background(), cfg, nil); err != nil {
		t.Fatalf("unexpected error with token: %v", err)
	}
}

func TestRPCDisabledStillServesHealth(t *testing.T) {
	cfg := testConfig()
	cfg.RPC.Enabled = false
	cfg.Server.MetricsEnabled = false
	r := startServer(t, cfg)

	resp, err := http.Get(r.base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, path := range []string{"/rpc", "/metrics"} {
		resp, err := http.Get(r.base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}
