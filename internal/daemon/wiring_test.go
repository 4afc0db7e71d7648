package daemon

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/warden/internal/core"
	"go.olrik.dev/warden/internal/db"
	"go.olrik.dev/warden/internal/metrics"
	"go.olrik.dev/warden/internal/session"
)

func TestEnvironmentIsSorted(t *testing.T) {
	env := environment(map[string]string{"ZED": "1", "ALPHA": "two", "MID": "a=b"})
	want := []string{"ALPHA=two", "MID=a=b", "ZED=1"}
	if !slices.Equal(env, want) {
		t.Errorf("environment() = %v, want %v", env, want)
	}
	if len(environment(nil)) != 0 {
		t.Error("Expected no variables for a nil map")
	}
}

func TestLaunchParametersFromConfig(t *testing.T) {
	p, err := launchParameters(core.LaunchConfig{
		Port:           4000,
		Security:       "ultrasafe",
		Visibility:     "invisible",
		StartupTimeout: 30 * time.Second,
		Args:           []string{"-verbose"},
	})
	if err != nil {
		t.Fatalf("launchParameters failed: %v", err)
	}
	if p.SecondaryPort != 4001 || p.SecurityLevel != session.Ultrasafe || p.Visibility != session.Invisible {
		t.Errorf("Unexpected parameters %+v", p)
	}

	_, err = launchParameters(core.LaunchConfig{Port: 0, Security: "nope", Visibility: "public", StartupTimeout: time.Second})
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !strings.Contains(err.Error(), "port") || !strings.Contains(err.Error(), "security") {
		t.Errorf("Expected every problem to be reported, got %v", err)
	}
}

func TestOpenStore(t *testing.T) {
	t.Run("sqlite needs a database", func(t *testing.T) {
		d, _, _ := newTestDaemon(t)
		if _, err := d.openStore(context.Background()); err == nil {
			t.Error("Expected error without a database")
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		d, _, _ := newTestDaemon(t)
		database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { database.Close() })
		d.database = database

		store, err := d.openStore(context.Background())
		if err != nil {
			t.Fatalf("openStore failed: %v", err)
		}
		if store == nil {
			t.Fatal("Expected a store")
		}
		if len(d.closers) != 0 {
			t.Error("The sqlite store is closed with the database")
		}
	})
}

func TestServeMetrics(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	addr, err := d.serveMetrics(metrics.NewPrometheus("warden").Handler(), "")
	if err != nil || addr != nil {
		t.Fatalf("Expected metrics to be disabled, got %v %v", addr, err)
	}

	addr, err = d.serveMetrics(metrics.NewPrometheus("warden").Handler(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("serveMetrics failed: %v", err)
	}
	t.Cleanup(func() { d.httpServer.Close() })

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + addr.String() + "/other")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 outside /metrics, got %d", resp.StatusCode)
	}
}

func TestBridgeConsumerRecordsEvent(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	consumer := d.bridgeConsumer("main")
	if err := consumer.InteropMessage(context.Background(), "ignored"); err != nil {
		t.Fatalf("Consumer without database failed: %v", err)
	}

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	d.database = database

	if err := consumer.InteropMessage(context.Background(), `{"round":"end"}`); err != nil {
		t.Fatalf("Consumer failed: %v", err)
	}
	events, err := database.GetRecentInstanceEvents("main", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != "bridge" || events[0].Details != `{"round":"end"}` {
		t.Errorf("Unexpected events %+v", events)
	}
}
