package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/config"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/gate"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/limiter"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/telemetry"
)

var (
	epoch   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunSimulation_Ceiling(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	g := gate.New(limiter.NewFixedWindow(3, time.Minute, vc), storage.NewMemoryStore(), vc, discard)

	result := runSimulation(context.Background(), vc, g, []string{"a"}, 4, 0)

	s := result.Summary["a"]
	if s.Total != 4 || s.Allowed != 3 || s.RateLimited != 1 {
		t.Errorf("summary = %+v, want 3 allowed and 1 rate limited", s)
	}
	if len(result.Batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(result.Batches))
	}
	if last := result.Batches[0].Verdicts[3]; last.Allowed || last.Reason != string(gate.ReasonRateLimited) {
		t.Errorf("fourth verdict = %+v, want rate limited", last)
	}
}

func TestRunSimulation_FastForwardResets(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	g := gate.New(limiter.NewFixedWindow(5, time.Minute, vc), storage.NewMemoryStore(), vc, discard)

	result := runSimulation(context.Background(), vc, g, []string{"a"}, 8, time.Minute)

	if len(result.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(result.Batches))
	}
	s := result.Summary["a"]
	if s.Allowed != 10 || s.RateLimited != 6 {
		t.Errorf("summary = %+v, want 10 allowed and 6 rate limited", s)
	}
	if result.FastForward != "1m0s" {
		t.Errorf("fast_forward = %q, want %q", result.FastForward, "1m0s")
	}
}

func TestSimulateCmd_Blacklist(t *testing.T) {
	out, err := execute(t, "simulate", "--limit", "2", "--requests", "3",
		"--addrs", "198.51.100.1,198.51.100.2", "--blacklist", "198.51.100.2", "--json")
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	var result SimulationResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if s := result.Summary["198.51.100.2"]; s.Blacklisted != 3 || s.Allowed != 0 {
		t.Errorf("blacklisted summary = %+v", s)
	}
	if s := result.Summary["198.51.100.1"]; s.Allowed != 2 || s.RateLimited != 1 {
		t.Errorf("regular summary = %+v", s)
	}
}

func TestSimulateCmd_InvalidLimit(t *testing.T) {
	if _, err := execute(t, "simulate", "--limit", "0"); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestSimulateCmd_TextOutput(t *testing.T) {
	out, err := execute(t, "simulate", "--limit", "1", "--requests", "2", "--fast-forward", "1m")
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	if !strings.Contains(out, "reason=rate_limited") || !strings.Contains(out, "fast-forwarded 1m0s") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestConfigCmd_ExampleAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trafficmon.yaml")
	if _, err := execute(t, "config", "example", path); err != nil {
		t.Fatalf("config example failed: %v", err)
	}
	out, err := execute(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(out, "config ok") {
		t.Errorf("validate output = %q", out)
	}

	os.WriteFile(path, []byte("limiter:\n  limit: 0\n"), 0o644)
	if _, err := execute(t, "config", "validate", "--config", path); err == nil {
		t.Error("zero limit should fail validation")
	}
}

func TestConfigCmd_ExampleToStdout(t *testing.T) {
	out, err := execute(t, "config", "example")
	if err != nil {
		t.Fatal(err)
	}
	if out != config.Example {
		t.Error("config example without a path should print the example")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q", buf.String())
	}
	if line["msg"] != "shown" || line["k"] != "v" {
		t.Errorf("log line = %v", line)
	}

	if _, err := newLogger(&buf, config.LogConfig{Level: "loud", Format: "text"}); err == nil {
		t.Error("unknown level should fail")
	}
	if _, err := newLogger(&buf, config.LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestServeCmd_RequiresCredentials(t *testing.T) {
	t.Setenv(config.CredentialsEnv, "")
	if _, err := execute(t, "serve", "--addr", "127.0.0.1:0"); err == nil || !strings.Contains(err.Error(), config.CredentialsEnv) {
		t.Fatalf("serve without credentials error = %v, want missing %s", err, config.CredentialsEnv)
	}

	t.Setenv(config.CredentialsEnv, `{"driver":"firestore"}`)
	if _, err := execute(t, "serve", "--addr", "127.0.0.1:0"); err == nil {
		t.Fatal("serve with unusable credentials should fail")
	}
}

func TestServeCmd_InvalidFlags(t *testing.T) {
	t.Setenv(config.CredentialsEnv, `{"driver":"memory"}`)
	if _, err := execute(t, "serve", "--limit", "0"); err == nil {
		t.Fatal("serve with --limit 0 should fail validation")
	}
}

func TestServeOptions_FlagsOverrideConfig(t *testing.T) {
	o := &serveOptions{}
	cmd := &cobra.Command{Use: "serve"}
	o.addFlags(cmd)
	if err := cmd.ParseFlags([]string{"--limit", "7", "--no-geo"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Limiter.Window = 30 * time.Second
	o.applyFlagsIfSet(cmd, &cfg)

	if cfg.Limiter.Limit != 7 {
		t.Errorf("limit = %d, want flag value 7", cfg.Limiter.Limit)
	}
	if cfg.Limiter.Window != 30*time.Second {
		t.Errorf("window = %s, unset flag should keep config value", cfg.Limiter.Window)
	}
	if cfg.Geo.Enabled {
		t.Error("--no-geo should disable geo")
	}
}

func TestRunServe_StartsAndDrainsOnShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "visits.db")
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Geo.Enabled = false
	cfg.Telemetry.FlushInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, storage.Credentials{Driver: storage.DriverSQLite, DSN: dbPath}, discard, ready)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("runServe exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	// The visit sat in the buffer (flush interval is an hour) until the
	// shutdown flush.
	store, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	visits, _ := store.RecentVisits(context.Background(), 10)
	if len(visits) != 1 || visits[0].Kind != storage.KindHTTP {
		t.Errorf("stored visits = %+v, want the one request", visits)
	}
}

func TestPolicyCmd_UsesAdminAPI(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(storage.PolicyEntry{Address: "203.0.113.9", Status: storage.StatusBlacklisted, UpdatedAt: epoch})
	}))
	defer ts.Close()

	out, err := execute(t, "policy", "set", "203.0.113.9", "blacklisted", "--server", ts.URL, "--token", "tok")
	if err != nil {
		t.Fatalf("policy set failed: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/admin/policy/203.0.113.9" || gotAuth != "Bearer tok" {
		t.Errorf("request = %s %s auth=%q", gotMethod, gotPath, gotAuth)
	}
	if !strings.Contains(gotBody, `"status":"blacklisted"`) {
		t.Errorf("body = %q", gotBody)
	}
	if !strings.Contains(out, "203.0.113.9 is now blacklisted") {
		t.Errorf("output = %q", out)
	}

	if _, err := execute(t, "policy", "set", "203.0.113.9", "vip", "--server", ts.URL); err == nil {
		t.Error("unknown status should fail before calling the server")
	}
}

func TestAdminClient_ErrorCarriesServerMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no policy for 1.2.3.4"}`))
	}))
	defer ts.Close()

	_, err := execute(t, "policy", "clear", "1.2.3.4", "--server", ts.URL)
	if err == nil || !strings.Contains(err.Error(), "no policy for 1.2.3.4") || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v, want server message and status", err)
	}
}

func TestAdminClient_TokenFromEnv(t *testing.T) {
	t.Setenv(AdminTokenEnv, "from-env")
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"connections":0}`))
	}))
	defer ts.Close()

	if _, err := execute(t, "stats", "--server", ts.URL); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer from-env" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestVisitsReplayDeadLetter(t *testing.T) {
	dir := t.TempDir()
	dlPath := filepath.Join(dir, "dead.ndjson")
	f, err := os.Create(dlPath)
	if err != nil {
		t.Fatal(err)
	}
	sink := telemetry.NewNDJSONSink(f)
	sink.DeadLetter([]storage.Visit{
		{RemoteAddr: "203.0.113.1", Timestamp: epoch, Kind: storage.KindHTTP},
		{RemoteAddr: "203.0.113.2", Timestamp: epoch, Kind: storage.KindSocket},
	}, 3, io.ErrUnexpectedEOF)
	sink.DeadLetter([]storage.Visit{{RemoteAddr: "203.0.113.3", Timestamp: epoch, Kind: storage.KindHTTP}}, 3, io.ErrUnexpectedEOF)
	f.Close()

	dbPath := filepath.Join(dir, "visits.db")
	t.Setenv(config.CredentialsEnv, `{"driver":"sqlite","dsn":"`+dbPath+`"}`)

	out, err := execute(t, "visits", "replay-deadletter", dlPath)
	if err != nil {
		t.Fatalf("replay-deadletter failed: %v", err)
	}
	if !strings.Contains(out, "replayed 2 batches, 3 visits") {
		t.Errorf("output = %q", out)
	}

	store, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	visits, _ := store.RecentVisits(context.Background(), 10)
	if len(visits) != 3 {
		t.Errorf("stored %d visits, want 3", len(visits))
	}
}

func TestVisitsReplay_CandidateLimit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "visits.db")
	store, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatal(err)
	}
	var visits []storage.Visit
	for i := 0; i < 4; i++ {
		visits = append(visits,
			storage.Visit{RemoteAddr: "203.0.113.1", Timestamp: epoch.Add(time.Duration(i) * time.Second), Kind: storage.KindHTTP, Path: "/"},
			storage.Visit{RemoteAddr: "203.0.113.2", Timestamp: epoch.Add(time.Duration(i) * time.Second), Kind: storage.KindSocket, Path: "/ws"},
		)
	}
	if err := store.WriteBatch(context.Background(), visits); err != nil {
		t.Fatal(err)
	}
	store.SetPolicy(context.Background(), storage.PolicyEntry{Address: "203.0.113.2", Status: storage.StatusBlacklisted, UpdatedAt: epoch})
	store.Close()
	t.Setenv(config.CredentialsEnv, `{"driver":"sqlite","dsn":"`+dbPath+`"}`)

	out, err := execute(t, "visits", "replay", "--limit", "3", "--json")
	if err != nil {
		t.Fatalf("visits replay failed: %v", err)
	}
	var got struct {
		Summary struct {
			Replayed    int `json:"replayed"`
			Allowed     int `json:"allowed"`
			RateLimited int `json:"rate_limited"`
			Blacklisted int `json:"blacklisted"`
		} `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	s := got.Summary
	if s.Replayed != 8 || s.Allowed != 3 || s.RateLimited != 1 || s.Blacklisted != 4 {
		t.Errorf("summary = %+v, want 3 allowed, 1 rate limited, 4 blacklisted", s)
	}

	out, err = execute(t, "visits", "replay", "--limit", "3", "--ignore-policy", "--kinds", "socket")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "3 allowed, 1 rate limited, 0 blacklisted") {
		t.Errorf("text output = %q", out)
	}
}

func TestVisitsReplay_SyntheticTraffic(t *testing.T) {
	t.Setenv(config.CredentialsEnv, "")
	out, err := execute(t, "visits", "replay", "--pattern", "steady", "--count", "10",
		"--addr-count", "1", "--duration", "10s", "--seed", "3", "--limit", "4", "--json")
	if err != nil {
		t.Fatalf("visits replay --pattern failed: %v", err)
	}
	var got struct {
		Summary struct {
			Replayed    int `json:"replayed"`
			Allowed     int `json:"allowed"`
			RateLimited int `json:"rate_limited"`
		} `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	// Ten visits one second apart from a single address. They fall in at
	// most two minute windows, so between 4 and 8 are admitted.
	s := got.Summary
	if s.Replayed != 10 || s.Allowed+s.RateLimited != 10 || s.Allowed < 4 || s.Allowed > 8 {
		t.Errorf("summary = %+v", s)
	}

	if _, err := execute(t, "visits", "replay", "--pattern", "zigzag"); err == nil {
		t.Error("unknown pattern should fail")
	}
}
