package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/fleetbus/internal/deadletter"
	"github.com/nerrad567/fleetbus/internal/dispatch"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
	"github.com/nerrad567/fleetbus/internal/infrastructure/logging"
	"github.com/nerrad567/fleetbus/internal/infrastructure/memory"
	"github.com/nerrad567/fleetbus/internal/publisher"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/supervisor"
	"github.com/nerrad567/fleetbus/internal/topic"
)

// testConfig returns defaults pointing at the in-process broker and a
// temporary archive.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Broker.Type = config.BrokerMemory
	cfg.Database.Path = filepath.Join(t.TempDir(), "fleetbus.db")
	cfg.InfluxDB.Enabled = false
	return cfg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// TestRun_InvalidConfig verifies commands fail with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	_, err := execute(t, "--config", "/nonexistent/path/config.yaml", "serve")
	if err == nil {
		t.Fatal("serve should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestGetConfigPath verifies the environment override.
func TestGetConfigPath(t *testing.T) {
	t.Setenv(configEnv, "/etc/fleetbus/config.yaml")
	if got := getConfigPath(); got != "/etc/fleetbus/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}

	// No default file exists next to the test binary.
	t.Setenv(configEnv, "")
	if got := getConfigPath(); got != "" {
		t.Errorf("getConfigPath() = %q, want empty", got)
	}
}

func TestNewDialer(t *testing.T) {
	tests := []struct {
		brokerType string
		wantPrefix string
	}{
		{config.BrokerAMQP, "amqp://"},
		{config.BrokerMQTT, "tcp://"},
		{config.BrokerNATS, "nats://"},
		{config.BrokerRedis, "redis://"},
		{config.BrokerMemory, "memory://"},
	}

	for _, tt := range tests {
		t.Run(tt.brokerType, func(t *testing.T) {
			cfg := config.Default()
			cfg.Broker.Type = tt.brokerType
			switch tt.brokerType {
			case config.BrokerNATS:
				cfg.Broker.URL = "nats://localhost:4222"
			case config.BrokerRedis:
				cfg.Broker.URL = "redis://localhost:6379/0"
			}

			d, err := newDialer(cfg, logging.Discard())
			if err != nil {
				t.Fatalf("newDialer() error = %v", err)
			}
			if got := d.Endpoint(); !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("Endpoint() = %q, want prefix %q", got, tt.wantPrefix)
			}
		})
	}

	cfg := config.Default()
	cfg.Broker.Type = "kafka"
	if _, err := newDialer(cfg, logging.Discard()); err == nil {
		t.Error("newDialer() should reject unknown broker type")
	}
}

// TestRunServe_MemoryBroker starts the full backend and shuts it down.
func TestRunServe_MemoryBroker(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := runServe(ctx, cfg, logging.Discard()); err != nil {
		t.Fatalf("runServe() error = %v, want nil on shutdown", err)
	}
}

func TestRunServe_DatabaseFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = ""

	if err := runServe(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("runServe() should fail without a database path")
	}
}

func TestCommand_RejectsMemoryBroker(t *testing.T) {
	t.Setenv(configEnv, "")
	t.Setenv("FLEETBUS_BROKER_TYPE", config.BrokerMemory)
	t.Setenv("FLEETBUS_LOG_LEVEL", "error")

	_, err := execute(t, "command", "kill", "V-042", "--reason", "stolen")
	if err == nil || !strings.Contains(err.Error(), "only works inside serve") {
		t.Fatalf("command error = %v, want memory broker rejection", err)
	}
}

func TestCommand_RequiresRental(t *testing.T) {
	t.Setenv(configEnv, "")
	t.Setenv("FLEETBUS_LOG_LEVEL", "error")

	if _, err := execute(t, "command", "start", "V-042"); err == nil {
		t.Fatal("command start should require --rental")
	}
}

// TestSendCommand verifies a control command lands in the vehicle's queue.
func TestSendCommand(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	sup := supervisor.New(b, supervisor.Config{})
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sup.Close()

	sess, err := sup.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	h, err := topic.NewRouter("").BindEntity(ctx, sess, stream.CategoryControl, "V-042")
	if err != nil {
		t.Fatalf("BindEntity() error = %v", err)
	}

	var out bytes.Buffer
	payload := stream.StartRental{RentalID: "R-17", IssuedBy: "ops"}
	if err := sendCommand(ctx, publisher.New(sup), &out, stream.ControlStart, "V-042", payload); err != nil {
		t.Fatalf("sendCommand() error = %v", err)
	}

	if got := b.Depth(h.Name); got != 1 {
		t.Errorf("queue depth = %d, want 1", got)
	}
	if !strings.Contains(out.String(), "control.start sent to V-042") {
		t.Errorf("output = %q", out.String())
	}
}

func TestSendCommand_InvalidPayload(t *testing.T) {
	ctx := context.Background()
	sup := supervisor.New(memory.New(), supervisor.Config{})
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sup.Close()

	var out bytes.Buffer
	err := sendCommand(ctx, publisher.New(sup), &out, stream.ControlKill, "V-042", map[string]any{})
	if !errors.Is(err, stream.ErrSchemaValidation) {
		t.Fatalf("sendCommand() error = %v, want schema validation failure", err)
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want nothing", out.String())
	}
}

func TestDescribeCommand(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		t       stream.Type
		payload string
		want    string
		wantErr bool
	}{
		{"start", stream.ControlStart, `{"rental_id":"R-1","issued_by":"ops"}`, "start rental R-1 (by ops)", false},
		{"end", stream.ControlEnd, `{"rental_id":"R-1"}`, "end rental R-1", false},
		{"kill", stream.ControlKill, `{"reason":"stolen"}`, "kill: stolen", false},
		{"bad payload", stream.ControlKill, `[1,2]`, "", true},
		{"not control", stream.RealtimeBattery, `{}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := stream.NewEnvelope(tt.t, "V-1", json.RawMessage(tt.payload), now)
			got, err := describeCommand(env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("describeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("describeCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestControlRegistry(t *testing.T) {
	var out bytes.Buffer
	reg, err := controlRegistry(&out)
	if err != nil {
		t.Fatalf("controlRegistry() error = %v", err)
	}
	if got := reg.Categories(); len(got) != 1 || got[0] != stream.CategoryControl {
		t.Fatalf("Categories() = %v", got)
	}

	h, ok := reg.Handler(stream.ControlKill)
	if !ok {
		t.Fatal("no handler for control.kill")
	}
	env := stream.NewEnvelope(stream.ControlKill, "V-1", json.RawMessage(`{"reason":"stolen"}`), time.Now())
	if err := h(context.Background(), env); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if !strings.Contains(out.String(), "kill: stolen") {
		t.Errorf("output = %q", out.String())
	}

	bad := stream.NewEnvelope(stream.ControlKill, "V-1", json.RawMessage(`"nope"`), time.Now())
	if err := h(context.Background(), bad); !dispatch.IsPermanent(err) {
		t.Errorf("handler error = %v, want permanent", err)
	}
}

func TestDeadLetters_ListAndShow(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	db, err := openDatabase(ctx, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("openDatabase() error = %v", err)
	}
	defer db.Close()
	repo := deadletter.NewSQLiteRepository(db.DB)

	var out bytes.Buffer
	if err := listDeadLetters(ctx, repo, &out, deadletter.Filter{}, false); err != nil {
		t.Fatalf("listDeadLetters() error = %v", err)
	}
	if !strings.Contains(out.String(), "no dead letters") {
		t.Errorf("empty list output = %q", out.String())
	}

	env := stream.NewEnvelope(stream.RealtimeBattery, "V-042",
		json.RawMessage(`{"battery_level":12,"voltage":47.9}`), time.Now())
	rec := deadletter.NewRecord(env, "influx write failed", "fleet.realtime.battery",
		"realtime.battery.V-042", time.Now())
	if _, err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	out.Reset()
	if err := listDeadLetters(ctx, repo, &out, deadletter.Filter{EntityID: "V-042"}, false); err != nil {
		t.Fatalf("listDeadLetters() error = %v", err)
	}
	for _, want := range []string{rec.ID, "realtime.battery", "influx write failed", "of 1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("list output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := listDeadLetters(ctx, repo, &out, deadletter.Filter{}, true); err != nil {
		t.Fatalf("listDeadLetters(json) error = %v", err)
	}
	var page deadletter.ListResult
	if err := json.Unmarshal(out.Bytes(), &page); err != nil {
		t.Fatalf("list JSON does not decode: %v", err)
	}
	if page.Total != 1 || len(page.Records) != 1 {
		t.Errorf("page = %+v, want one record", page)
	}

	out.Reset()
	if err := showDeadLetter(ctx, repo, &out, rec.ID, false); err != nil {
		t.Fatalf("showDeadLetter() error = %v", err)
	}
	for _, want := range []string{env.ID, "influx write failed", "battery_level"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("show output missing %q:\n%s", want, out.String())
		}
	}

	err = showDeadLetter(ctx, repo, &out, "missing", false)
	if !errors.Is(err, deadletter.ErrNotFound) {
		t.Errorf("showDeadLetter(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate() = %q", got)
	}
}
