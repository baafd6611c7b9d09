package daemonsup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	cur := initialBackoff
	for i := 0; i < 10; i++ {
		cur = nextBackoff(cur)
	}
	if cur != maxBackoff {
		t.Errorf("backoff = %v, want capped at %v", cur, maxBackoff)
	}
}

func TestOpenRollingLogRotatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.log")

	big := make([]byte, rollSizeLimit+1)
	if err := os.WriteFile(path, big, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := openRollingLog(path)
	if err != nil {
		t.Fatalf("openRollingLog: %v", err)
	}
	f.Close()

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated file %s.1 to exist: %v", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected fresh log file, got size %d", info.Size())
	}
}

func TestOpenRollingLogKeepsSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.log")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := openRollingLog(path)
	if err != nil {
		t.Fatalf("openRollingLog: %v", err)
	}
	f.Close()

	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("expected no rotation for small file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected append mode to preserve content, got %q", data)
	}
}
