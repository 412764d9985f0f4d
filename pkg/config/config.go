package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

// Config holds every knob the watchdog reads from its environment.
type Config struct {
	// Edge Config store (C1)
	EdgeConfigID    string
	EdgeConfigToken string
	EdgeConfigBase  string

	// Sandbox app repo (C2 bootstrap)
	SandboxAppRepo string
	SandboxAppRef  string
	SandboxPort    int
	SandboxWorkdir string

	// Keepalive shared secret (C4, /internal/keepalive)
	KeepaliveToken string

	// Provider credentials; all three required together, or all empty.
	VercelToken     string
	VercelTeamID    string
	VercelProjectID string

	// Gateway (C6)
	SandboxSelfURL      string
	DisableEdgeRewrite  bool
	DebugSandboxRouting bool

	// Feature flag gating /api/health and /watchdog (C7)
	NextAppSkipMonitoringRoutes bool

	// Rotation controller timings (C5)
	RotationInterval     time.Duration
	DrainGrace           time.Duration
	ReadinessPollEvery   time.Duration
	ReadinessDeadline    time.Duration
	ProbeTimeout         time.Duration
	ProvisionAttempts    int
	ProvisionFactor      float64
	ProvisionFloor       time.Duration
	MaxDrainStopAttempts int
	CronInterval         time.Duration

	// Ambient stack
	DevLogs           bool
	ListenAddr        string
	MetricsAddr       string
	ClickHouseEnabled bool
	ClickHouseDSN     string
	RedisAddr         string
	RedisEnabled      bool
}

// DefaultConfig returns a Config populated with every documented default,
// with the required fields left blank for LoadFromEnv/Validate to fill in.
func DefaultConfig() *Config {
	return &Config{
		EdgeConfigBase:       "https://api.vercel.com",
		SandboxAppRef:        "main",
		SandboxPort:          3000,
		SandboxWorkdir:       "/tmp/next-sandbox-app",
		RotationInterval:     5 * time.Hour,
		DrainGrace:           10 * time.Minute,
		ReadinessPollEvery:   5 * time.Second,
		ReadinessDeadline:    10 * time.Minute,
		ProbeTimeout:         8 * time.Second,
		ProvisionAttempts:    5,
		ProvisionFactor:      2,
		ProvisionFloor:       2 * time.Second,
		MaxDrainStopAttempts: 5,
		CronInterval:         5 * time.Minute,
		ListenAddr:           ":8080",
		MetricsAddr:          ":9090",
	}
}

// LoadFromEnv builds a Config from the process environment, starting from
// DefaultConfig and overlaying whatever is set. Per the design note on
// global module-level env capture, this is the only place the process
// reads os.Getenv; everything downstream takes a *Config.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.EdgeConfigID = os.Getenv("EDGE_CONFIG_ID")
	cfg.EdgeConfigToken = os.Getenv("EDGE_CONFIG_TOKEN")
	if v := os.Getenv("EDGE_CONFIG_BASE_URL"); v != "" {
		cfg.EdgeConfigBase = v
	}

	cfg.SandboxAppRepo = os.Getenv("SANDBOX_APP_REPO")
	if v := os.Getenv("SANDBOX_APP_REF"); v != "" {
		cfg.SandboxAppRef = v
	}
	if v := os.Getenv("SANDBOX_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, werrors.Wrap(werrors.KindConfig, "SANDBOX_PORT must be an integer", err)
		}
		cfg.SandboxPort = port
	}
	if v := os.Getenv("SANDBOX_WORKDIR"); v != "" {
		cfg.SandboxWorkdir = v
	}

	cfg.KeepaliveToken = os.Getenv("KEEPALIVE_TOKEN")

	cfg.VercelToken = firstNonEmpty(os.Getenv("VERCEL_TOKEN"), os.Getenv("VERCEL_API_TOKEN"))
	cfg.VercelTeamID = firstNonEmpty(os.Getenv("VERCEL_TEAM_ID"), os.Getenv("VERCEL_ORG_ID"))
	cfg.VercelProjectID = os.Getenv("VERCEL_PROJECT_ID")

	cfg.SandboxSelfURL = os.Getenv("SANDBOX_SELF_URL")
	cfg.DisableEdgeRewrite = os.Getenv("DISABLE_EDGE_REWRITE") == "true"
	cfg.DebugSandboxRouting = os.Getenv("DEBUG_SANDBOX_ROUTING") == "true"

	cfg.NextAppSkipMonitoringRoutes = isFeatureEnabled(os.Getenv("NEXT_APP_SKIP_MONITORING_ROUTES"))

	cfg.DevLogs = os.Getenv("WATCHDOG_DEV_LOGS") == "true"
	if v := os.Getenv("WATCHDOG_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WATCHDOG_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	cfg.ClickHouseEnabled = os.Getenv("CLICKHOUSE_ENABLED") == "true"
	cfg.ClickHouseDSN = os.Getenv("CLICKHOUSE_DSN")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisEnabled = cfg.RedisAddr != ""

	return cfg, nil
}

// isFeatureEnabled reproduces the NEXT_APP_SKIP_MONITORING_ROUTES parsing
// verbatim: unset and "", "false", "0", "off" (case-insensitive, trimmed)
// are disabled; anything else is enabled.
func isFeatureEnabled(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "", "false", "0", "off":
		return false
	default:
		return true
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate checks that the fields required for the watchdog to operate are
// present and well-formed, failing fast with a precise error naming the
// missing field.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"EDGE_CONFIG_ID", c.EdgeConfigID},
		{"EDGE_CONFIG_TOKEN", c.EdgeConfigToken},
		{"SANDBOX_APP_REPO", c.SandboxAppRepo},
		{"KEEPALIVE_TOKEN", c.KeepaliveToken},
	}
	for _, r := range required {
		if r.value == "" {
			return werrors.New(werrors.KindConfig, fmt.Sprintf("missing required environment variable %s", r.name))
		}
	}

	if c.SandboxPort <= 0 {
		return werrors.New(werrors.KindConfig, "SANDBOX_PORT must be a positive integer")
	}

	vercelSet := []bool{c.VercelToken != "", c.VercelTeamID != "", c.VercelProjectID != ""}
	anySet, allSet := false, true
	for _, set := range vercelSet {
		if set {
			anySet = true
		} else {
			allSet = false
		}
	}
	if anySet && !allSet {
		return werrors.New(werrors.KindConfig, "VERCEL_TOKEN/VERCEL_API_TOKEN, VERCEL_TEAM_ID/VERCEL_ORG_ID and VERCEL_PROJECT_ID must all be set together")
	}

	if c.ProvisionAttempts < 1 {
		return werrors.New(werrors.KindConfig, "provision attempt count must be at least 1")
	}

	if c.ClickHouseEnabled && c.ClickHouseDSN == "" {
		return werrors.New(werrors.KindConfig, "CLICKHOUSE_ENABLED is true but CLICKHOUSE_DSN is empty")
	}

	return nil
}

// HasProviderCredentials reports whether the Vercel credential trio was set.
func (c *Config) HasProviderCredentials() bool {
	return c.VercelToken != "" && c.VercelTeamID != "" && c.VercelProjectID != ""
}
