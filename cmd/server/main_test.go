package main

import (
	"context"
	"flag"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/lg1805/icss-web-app/internal/catalog"
	ic "github.com/lg1805/icss-web-app/internal/cfg"
	"github.com/lg1805/icss-web-app/internal/complaint"
	"github.com/lg1805/icss-web-app/internal/risk"
	"github.com/lg1805/icss-web-app/internal/triage"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func testConfig(t *testing.T, args ...string) *ic.Config {
	t.Helper()
	var c ic.Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return &c
}

func TestOpenStore_Memory(t *testing.T) {
	t.Parallel()

	store, kind, closeFn, err := openStore(context.Background(), testConfig(t), log.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeFn()
	if kind != "memory" || store == nil {
		t.Errorf("kind = %q, store = %v, want memory store", kind, store)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "icss.db")
	store, kind, closeFn, err := openStore(context.Background(), testConfig(t, "-sqlite-path", path), log.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeFn()
	if kind != "sqlite" || store == nil {
		t.Errorf("kind = %q, want sqlite", kind)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	c, rejected, err := loadCatalog(context.Background(), "", log.Nop())
	if err != nil {
		t.Fatalf("loadCatalog empty path: %v", err)
	}
	if c == nil || c.Len() != 0 || rejected != 0 {
		t.Errorf("empty path: got %v entries, %d rejected", c, rejected)
	}

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := "components:\n" +
		"  - name: brake\n    severity: 10\n    occurrence: 6\n    detection: 5\n" +
		"  - name: bad\n    severity: 0\n    occurrence: 1\n    detection: 1\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	c, rejected, err = loadCatalog(context.Background(), path, log.Nop())
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	if c.Len() != 1 || rejected != 1 {
		t.Errorf("got %d entries, %d rejected, want 1, 1", c.Len(), rejected)
	}

	if _, _, err := loadCatalog(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), log.Nop()); err == nil {
		t.Error("expected error for missing catalog file")
	}
}

func TestNewPredictor(t *testing.T) {
	t.Parallel()

	if p := newPredictor(testConfig(t)); p != nil {
		t.Errorf("classifier none: got %T, want nil", p)
	}
	if p := newPredictor(testConfig(t, "-classifier", "modelserver", "-modelserver-url", "http://127.0.0.1:9")); p == nil {
		t.Error("classifier modelserver: got nil")
	}
	if p := newPredictor(testConfig(t, "-classifier", "claude", "-claude-api-key", "k")); p == nil {
		t.Error("classifier claude: got nil")
	}
}

func TestEngineConfig(t *testing.T) {
	t.Parallel()

	c, _ := catalog.FromEntries()

	ec, err := engineConfig(testConfig(t), c)
	if err != nil {
		t.Fatalf("engineConfig: %v", err)
	}
	if ec.Strategy.Name() != risk.StrategyRPN {
		t.Errorf("strategy = %q, want rpn", ec.Strategy.Name())
	}
	if ec.DefaultTriple != (risk.Triple{Severity: 1, Occurrence: 1, Detection: 10}) {
		t.Errorf("default triple = %+v", ec.DefaultTriple)
	}
	if ec.Embedder != nil {
		t.Error("embedder must be nil without -embedder-url")
	}
	if ec.Rank.ByRPN || ec.Rank.ByAge {
		t.Errorf("rank options = %+v, want input order by default", ec.Rank)
	}

	ec, err = engineConfig(testConfig(t,
		"-tier-strategy", "text",
		"-rank-by-rpn",
		"-rank-by-age",
		"-embedder-url", "http://127.0.0.1:9",
		"-embed-timeout", "2s",
	), c)
	if err != nil {
		t.Fatalf("engineConfig: %v", err)
	}
	if ec.Strategy.Name() != risk.StrategyText {
		t.Errorf("strategy = %q, want text", ec.Strategy.Name())
	}
	if ec.Embedder == nil {
		t.Error("embedder not configured")
	}
	if ec.Resolve.Timeout != 2*time.Second || ec.Resolve.MinSimilarity != 0.5 {
		t.Errorf("resolve config = %+v", ec.Resolve)
	}
	if !ec.Rank.ByRPN || !ec.Rank.ByAge {
		t.Errorf("rank flags not applied: %+v", ec.Rank)
	}

	if _, err := engineConfig(testConfig(t, "-default-sod", "1,2"), c); err == nil {
		t.Error("expected error for malformed default triple")
	}
}

func TestEngineConfig_RankOrder(t *testing.T) {
	t.Parallel()

	c, _ := catalog.FromEntries()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	b := &complaint.Batch{
		Columns: []string{"Complaint ID", "Observation", "Creation Date", "Incident Status"},
		Rows: []complaint.Row{
			{"Complaint ID": "a", "Observation": "radio noise", "Creation Date": "2024-06-15 10:00", "Incident Status": "Open"},
			{"Complaint ID": "b", "Observation": "mirror loose", "Creation Date": "2024-06-10 12:00", "Incident Status": "Open"},
		},
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"default keeps input order", nil, "a,b"},
		{"rank-by-age puts oldest first", []string{"-rank-by-age"}, "b,a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ec, err := engineConfig(testConfig(t, tt.args...), c)
			if err != nil {
				t.Fatalf("engineConfig: %v", err)
			}
			rep, err := triage.NewEngine(ec, log.Nop()).Run(context.Background(), b, now, func() string { return "gen" })
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			var ids []string
			for _, r := range rep.NonStructural {
				if r.Tier != complaint.TierLow {
					t.Errorf("record %s tier = %s, want Low", r.ID, r.Tier)
				}
				ids = append(ids, r.ID)
			}
			if got := strings.Join(ids, ","); got != tt.want {
				t.Errorf("order = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestWaitFn(t *testing.T) {
	t.Parallel()

	if err := waitFn(func() {})(context.Background()); err != nil {
		t.Errorf("waitFn returned %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := waitFn(func() { <-block })(ctx); err == nil {
		t.Error("expected deadline error")
	}
}
