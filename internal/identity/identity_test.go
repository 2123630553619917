package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func fixedSources(host, hw string) Sources {
	return Sources{
		Hostname:     func() (string, error) { return host, nil },
		HardwareAddr: func() (string, error) { return hw, nil },
	}
}

func TestLoadWith_StableAcrossCalls(t *testing.T) {
	home := t.TempDir()
	a, err := LoadWith(home, fixedSources("laptop", "aa:bb:cc:dd:ee:ff"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := LoadWith(home, fixedSources("laptop", "aa:bb:cc:dd:ee:ff"))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected stable id, got %s then %s", a.ID, b.ID)
	}
	if len(a.ID) != 64 {
		t.Fatalf("expected hex sha256, got %q", a.ID)
	}
	if a.Hostname != "laptop" {
		t.Fatalf("unexpected hostname %q", a.Hostname)
	}
	if _, err := os.Stat(filepath.Join(home, seedFile)); err != nil {
		t.Fatalf("expected seed file: %v", err)
	}
}

func TestLoadWith_SeedDistinguishesClones(t *testing.T) {
	src := fixedSources("image", "00:00:00:00:00:01")
	a, err := LoadWith(t.TempDir(), src)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	b, err := LoadWith(t.TempDir(), src)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("hosts with different seeds must get different ids")
	}
}

func TestLoadWith_ToleratesLookupFailures(t *testing.T) {
	home := t.TempDir()
	src := Sources{
		Hostname:     func() (string, error) { return "", errors.New("no hostname") },
		HardwareAddr: func() (string, error) { return "", errors.New("no nic") },
	}
	m, err := LoadWith(home, src)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected id from seed alone")
	}
}

func TestLoadWith_CorruptSeed(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, seedFile), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadWith(home, fixedSources("h", "x")); err == nil {
		t.Fatal("expected error for corrupt seed file")
	}
}
