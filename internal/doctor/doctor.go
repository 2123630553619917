package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/histsync/internal/config"
	"github.com/basket/histsync/internal/inference"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Go        string `json:"go_version"`
	Version   string `json:"version"`
	MachineID string `json:"machine_id,omitempty"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version, machineID string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			Go:        runtime.Version(),
			Version:   version,
			MachineID: machineID,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkRemote,
		checkInference,
		checkShortcuts,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml, using defaults",
			Detail: fmt.Sprintf("create %s to configure the remote store", config.ConfigPath(cfg.HomeDir))}
	}
	res := CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
	if overrides := envOverrides(); len(overrides) > 0 {
		res.Detail = "env overrides: " + strings.Join(overrides, ", ")
	}
	return res
}

// envOverrides lists HISTSYNC_* variables with secret values masked.
func envOverrides() []string {
	var out []string
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "HISTSYNC_") || key == "HISTSYNC_HOME" {
			continue
		}
		out = append(out, key+"="+shared.RedactEnvValue(key, val))
	}
	sort.Strings(out)
	return out
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	depth, err := store.SyncQueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	lost, err := store.LostMutationCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := fmt.Sprintf("path=%s, queue_depth=%d, lost_mutations=%d", cfg.DBPath, depth, lost)
	if lost > 0 {
		return CheckResult{Name: "Database", Status: "WARN",
			Message: fmt.Sprintf("%d mutation(s) were dropped without reaching the remote", lost), Detail: detail}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Schema valid", Detail: detail}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkRemote probes the remote store's public health endpoint.
func checkRemote(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Remote.Endpoint == "" {
		return CheckResult{Name: "Remote", Status: "SKIP", Message: "No remote endpoint configured (local-only)"}
	}
	if cfg.Remote.Credential == "" {
		return CheckResult{Name: "Remote", Status: "WARN", Message: "remote.credential is empty; uploads will be rejected"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cfg.Remote.Endpoint+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Remote", Status: "FAIL", Message: fmt.Sprintf("Bad endpoint: %v", err)}
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{Name: "Remote", Status: "FAIL",
			Message: fmt.Sprintf("Unreachable: %s", shared.Redact(err.Error())),
			Detail:  "sync will keep queueing locally until the remote is back"}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Remote", Status: "FAIL", Message: fmt.Sprintf("Health check returned HTTP %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Remote", Status: "PASS",
		Message: fmt.Sprintf("Reachable (%dms)", latency.Milliseconds()),
		Detail:  shared.Redact(cfg.Remote.Endpoint)}
}

// checkInference resolves the inference host.
func checkInference(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Inference.Endpoint == "" {
		return CheckResult{Name: "Inference", Status: "WARN", Message: "No inference endpoint; only shortcuts will answer"}
	}
	u, err := url.Parse(cfg.Inference.Endpoint)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Inference", Status: "FAIL", Message: fmt.Sprintf("Bad endpoint %q", shared.Redact(cfg.Inference.Endpoint))}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Inference",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Inference",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", u.Hostname(), len(addrs), latency.Milliseconds()),
	}
}

func checkShortcuts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Inference.Shortcuts) == 0 {
		return CheckResult{Name: "Shortcuts", Status: "SKIP", Message: "No shortcuts configured"}
	}
	m, err := inference.NewShortcutMatcher(cfg.Inference.Shortcuts)
	if err != nil {
		return CheckResult{Name: "Shortcuts", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Shortcuts", Status: "PASS", Message: fmt.Sprintf("%d shortcut(s) compiled", m.Len())}
}
