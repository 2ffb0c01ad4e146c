package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/andrecp/telemirror/internal/admin"
	"github.com/andrecp/telemirror/internal/bus"
	"github.com/andrecp/telemirror/internal/checkpoint"
	"github.com/andrecp/telemirror/internal/config"
	"github.com/andrecp/telemirror/internal/crawl"
	"github.com/andrecp/telemirror/internal/listener"
	"github.com/andrecp/telemirror/internal/lock"
	"github.com/andrecp/telemirror/internal/media"
	"github.com/andrecp/telemirror/internal/remote"
	"github.com/andrecp/telemirror/internal/status"
	"github.com/andrecp/telemirror/internal/store"
)

// fakeGateway serves a minimal gateway API: one chat with three messages
// and an event stream that stays open until the test ends.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"conversations":[{"id":1,"kind":"direct","title":"Alice"}]}`))
	})
	mux.HandleFunc("/v1/chats/1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "0" {
			_, _ = w.Write([]byte(`{"messages":[],"more":false}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []remote.MessageRecord{
				{Ordinal: 1, Kind: remote.KindText, Text: "hi", Timestamp: 1000},
				{Ordinal: 2, Kind: remote.KindText, Text: "how are you", Timestamp: 1001},
				{Ordinal: 3, Kind: remote.KindText, Text: "bye", Timestamp: 1002},
			},
			"more": false,
		})
	})
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-r.Context().Done()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the 104-char unix socket limit on macOS.
	tmpDir, err := os.MkdirTemp("/tmp", "telemirror-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	gateway := fakeGateway(t)

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(tmpDir, "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	cfg := config.Default()
	cfg.DBPath = filepath.Join(tmpDir, "archive.db")
	cfg.MediaDir = filepath.Join(tmpDir, "media")
	cfg.Remote.GatewayURL = gateway.URL

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	ckpt := checkpoint.NewManager(db)
	dedup := media.New(cfg.MediaDir, cfg.Media.MaxSizeBytes)
	client := remote.NewGatewayClient(cfg.Remote.GatewayURL, logger)
	engine := crawl.NewEngine(db, ckpt, client, dedup, cfg, b, logger)
	scheduler := crawl.NewScheduler(engine, machine, time.Hour, logger)
	lst := listener.New(db, ckpt, client, dedup, cfg, machine, b, logger)

	srv := admin.NewServer(db, ckpt, engine, scheduler, lst, machine, socketPath, logger)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Stop(context.Background()) }()

	// Same startup ordering as registerLifecycle.
	_ = machine.Transition(status.Idle)
	scheduler.Start(context.Background())
	defer scheduler.Stop()
	lst.Start(context.Background())
	defer lst.Stop()

	httpc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	// The immediate first cycle mirrors the fake gateway's chat.
	var chat admin.ChatView
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := httpc.Get("http://daemon/v1/chats/1")
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				err = json.NewDecoder(resp.Body).Decode(&chat)
				_ = resp.Body.Close()
				if err == nil && chat.Messages == 3 && chat.SyncStatus == store.SyncIdle {
					break
				}
			} else {
				_ = resp.Body.Close()
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("chat never synced, last view: %+v", chat)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if chat.Cursor != 3 {
		t.Errorf("cursor = %d, want 3", chat.Cursor)
	}
	if chat.Title != "Alice" {
		t.Errorf("title = %q, want Alice", chat.Title)
	}

	// Daemon status reflects the completed cycle.
	resp, err := httpc.Get("http://daemon/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	var st admin.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if st.LastCycle == nil || st.LastCycle.ChatsSynced != 1 {
		t.Errorf("last cycle = %+v, want 1 chat synced", st.LastCycle)
	}

	// Triggering a second cycle finds nothing new.
	resp, err = httpc.Post("http://daemon/v1/cycle", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("cycle trigger status = %d, want 202", resp.StatusCode)
	}
}
