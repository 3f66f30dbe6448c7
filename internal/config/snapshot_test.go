package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"querymon/internal/logging"
)

func snapLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.Default()}
}

const validYAML = `
storage:
  host: localhost
  port: 4000
  database: querymon
instances:
  - name: prod-1
    connection_string: "user:pw@tcp(db1:4000)/"
    enabled: true
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "querymon.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSnapshots_CurrentAndReload(t *testing.T) {
	path := writeConfigFile(t, validYAML)

	initial, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	s := NewSnapshots(initial, path, snapLogger())

	if got := s.Current(); got != initial {
		t.Fatal("Current must return the seeded snapshot")
	}

	// Change the instance list and reload.
	updated := validYAML + `
  - name: prod-2
    connection_string: "user:pw@tcp(db2:4000)/"
    enabled: true
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	current := s.Current()
	if current == initial {
		t.Fatal("reload must publish a new snapshot value")
	}
	if len(current.Instances) != 2 {
		t.Errorf("instances = %d, want 2", len(current.Instances))
	}
}

func TestSnapshots_InvalidReloadKeepsPrevious(t *testing.T) {
	path := writeConfigFile(t, validYAML)
	initial, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSnapshots(initial, path, snapLogger())

	// Out-of-range interval fails validation; the snapshot must not change.
	broken := validYAML + `
collection:
  interval: 1s
`
	if err := os.WriteFile(path, []byte(broken), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("invalid reload must be rejected")
	}
	if s.Current() != initial {
		t.Error("rejected reload must retain the previous snapshot")
	}
}

func TestSnapshots_SubscribeReceivesNewSnapshot(t *testing.T) {
	path := writeConfigFile(t, validYAML)
	initial, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSnapshots(initial, path, snapLogger())
	sub := s.Subscribe()

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg == initial {
			t.Error("subscriber must receive the newly published snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}
