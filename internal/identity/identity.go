// Package identity derives the stable machine identifier stamped on every
// history entry this host writes.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const seedFile = "machine_id.json"

type seedRecord struct {
	Seed      string    `json:"seed"`
	CreatedAt time.Time `json:"created_at"`
}

// Machine is computed once at startup and passed by value afterwards.
type Machine struct {
	ID       string
	Hostname string
}

// Sources lets tests replace host lookups.
type Sources struct {
	Hostname     func() (string, error)
	HardwareAddr func() (string, error)
}

func DefaultSources() Sources {
	return Sources{
		Hostname:     os.Hostname,
		HardwareAddr: primaryHardwareAddr,
	}
}

// Load derives the machine id from the host name, the primary network
// hardware address and a random seed persisted under homeDir. The seed keeps
// the id stable when the other two are unavailable or shared.
func Load(homeDir string) (Machine, error) {
	return LoadWith(homeDir, DefaultSources())
}

func LoadWith(homeDir string, src Sources) (Machine, error) {
	seed, err := loadOrCreateSeed(filepath.Join(homeDir, seedFile))
	if err != nil {
		return Machine{}, err
	}

	var host, hw string
	if src.Hostname != nil {
		host, _ = src.Hostname()
	}
	if src.HardwareAddr != nil {
		hw, _ = src.HardwareAddr()
	}

	sum := sha256.Sum256([]byte(host + "\x00" + hw + "\x00" + seed))
	return Machine{ID: hex.EncodeToString(sum[:]), Hostname: host}, nil
}

func loadOrCreateSeed(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var rec seedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return "", fmt.Errorf("parse %s: %w", seedFile, err)
		}
		if rec.Seed == "" {
			return "", fmt.Errorf("parse %s: empty seed", seedFile)
		}
		return rec.Seed, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read %s: %w", seedFile, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create identity directory: %w", err)
	}
	rec := seedRecord{Seed: uuid.NewString(), CreatedAt: time.Now().UTC()}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", seedFile, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("install %s: %w", seedFile, err)
	}
	return rec.Seed, nil
}

// primaryHardwareAddr picks the lowest-named non-loopback interface that is
// up and has a hardware address.
func primaryHardwareAddr() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", errors.New("no hardware address found")
}
