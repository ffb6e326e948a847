// Package config resolves harness settings from defaults, CLUSTERTEST_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/clustertest/internal/dbconn"
	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/eventually"
	"github.com/roach88/clustertest/internal/metrics"
	"github.com/roach88/clustertest/internal/store"
)

// EnvPrefix is prepended to every key to form its environment variable:
// ready-timeout is read from CLUSTERTEST_READY_TIMEOUT.
const EnvPrefix = "clustertest"

// Upstream modes.
const (
	UpstreamContainer = "container"
	UpstreamExternal  = "external"
)

// Config keys, shared by flags and environment variables.
const (
	KeyServerBinary        = "server-binary"
	KeyAdapterBinary       = "adapter-binary"
	KeyUpstream            = "upstream"
	KeyPostgresURL         = "postgres-url"
	KeyMySQLURL            = "mysql-url"
	KeyPostgresImage       = "postgres-image"
	KeyMySQLImage          = "mysql-image"
	KeyLogDir              = "log-dir"
	KeyReadyTimeout        = "ready-timeout"
	KeyAdapterDeathTimeout = "adapter-death-timeout"
	KeyPollInterval        = "poll-interval"
	KeyEventuallyTimeout   = "eventually-timeout"
	KeyStopTimeout         = "stop-timeout"
	KeyMetricsFile         = "metrics-file"
	KeyLedger              = "ledger"
	KeyVerbose             = "verbose"
)

// Config is the resolved harness configuration.
type Config struct {
	ServerBinary  string
	AdapterBinary string

	// Upstream is UpstreamContainer or UpstreamExternal.
	Upstream    string
	PostgresURL string
	MySQLURL    string

	PostgresImage string
	MySQLImage    string

	// LogDir receives one log file per launched process. Empty discards
	// process output.
	LogDir string

	ReadyTimeout        time.Duration
	AdapterDeathTimeout time.Duration
	PollInterval        time.Duration
	EventuallyTimeout   time.Duration
	StopTimeout         time.Duration

	// MetricsFile, when set, receives the run's metrics in the Prometheus
	// text format.
	MetricsFile string

	// Ledger is the SQLite file that keeps the run ledger. Empty keeps it in
	// memory.
	Ledger string

	Verbose bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerBinary:        "readyset-server",
		AdapterBinary:       "readyset",
		Upstream:            UpstreamContainer,
		PostgresImage:       deployment.DefaultPostgresImage,
		MySQLImage:          deployment.DefaultMySQLImage,
		ReadyTimeout:        deployment.DefaultReadyTimeout,
		AdapterDeathTimeout: deployment.DefaultAdapterDeathTimeout,
		PollInterval:        deployment.DefaultPollInterval,
		EventuallyTimeout:   eventually.DefaultTimeout,
		StopTimeout:         deployment.DefaultStopTimeout,
	}
}

// Flags returns a flag set covering every key, with defaults from Default.
func Flags() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.String(KeyServerBinary, d.ServerBinary, "path to the cache server binary")
	fs.String(KeyAdapterBinary, d.AdapterBinary, "path to the adapter binary")
	fs.String(KeyUpstream, d.Upstream, "upstream source: container or external")
	fs.String(KeyPostgresURL, d.PostgresURL, "admin URL of an external PostgreSQL upstream")
	fs.String(KeyMySQLURL, d.MySQLURL, "admin URL of an external MySQL upstream")
	fs.String(KeyPostgresImage, d.PostgresImage, "PostgreSQL container image")
	fs.String(KeyMySQLImage, d.MySQLImage, "MySQL container image")
	fs.String(KeyLogDir, d.LogDir, "directory for per-process logs")
	fs.Duration(KeyReadyTimeout, d.ReadyTimeout, "how long a process may take to become ready")
	fs.Duration(KeyAdapterDeathTimeout, d.AdapterDeathTimeout, "how long to wait for cleanup adapters to exit")
	fs.Duration(KeyPollInterval, d.PollInterval, "interval between eventual-assertion attempts")
	fs.Duration(KeyEventuallyTimeout, d.EventuallyTimeout, "default deadline of an eventual assertion")
	fs.Duration(KeyStopTimeout, d.StopTimeout, "how long a process may take to exit after SIGTERM")
	fs.String(KeyMetricsFile, d.MetricsFile, "write run metrics to this file")
	fs.String(KeyLedger, d.Ledger, "keep the run ledger in this SQLite file")
	fs.BoolP(KeyVerbose, "v", d.Verbose, "log debug output")
	return fs
}

// Load resolves the configuration. flags may be nil, in which case only
// defaults and the environment apply.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	d := Default()
	defaults := map[string]any{
		KeyServerBinary:        d.ServerBinary,
		KeyAdapterBinary:       d.AdapterBinary,
		KeyUpstream:            d.Upstream,
		KeyPostgresURL:         d.PostgresURL,
		KeyMySQLURL:            d.MySQLURL,
		KeyPostgresImage:       d.PostgresImage,
		KeyMySQLImage:          d.MySQLImage,
		KeyLogDir:              d.LogDir,
		KeyReadyTimeout:        d.ReadyTimeout,
		KeyAdapterDeathTimeout: d.AdapterDeathTimeout,
		KeyPollInterval:        d.PollInterval,
		KeyEventuallyTimeout:   d.EventuallyTimeout,
		KeyStopTimeout:         d.StopTimeout,
		KeyMetricsFile:         d.MetricsFile,
		KeyLedger:              d.Ledger,
		KeyVerbose:             d.Verbose,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	cfg := Config{
		ServerBinary:        v.GetString(KeyServerBinary),
		AdapterBinary:       v.GetString(KeyAdapterBinary),
		Upstream:            strings.ToLower(v.GetString(KeyUpstream)),
		PostgresURL:         v.GetString(KeyPostgresURL),
		MySQLURL:            v.GetString(KeyMySQLURL),
		PostgresImage:       v.GetString(KeyPostgresImage),
		MySQLImage:          v.GetString(KeyMySQLImage),
		LogDir:              v.GetString(KeyLogDir),
		ReadyTimeout:        v.GetDuration(KeyReadyTimeout),
		AdapterDeathTimeout: v.GetDuration(KeyAdapterDeathTimeout),
		PollInterval:        v.GetDuration(KeyPollInterval),
		EventuallyTimeout:   v.GetDuration(KeyEventuallyTimeout),
		StopTimeout:         v.GetDuration(KeyStopTimeout),
		MetricsFile:         v.GetString(KeyMetricsFile),
		Ledger:              v.GetString(KeyLedger),
		Verbose:             v.GetBool(KeyVerbose),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv resolves defaults and CLUSTERTEST_* variables only.
func FromEnv() (Config, error) {
	return Load(nil)
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	switch c.Upstream {
	case UpstreamContainer:
	case UpstreamExternal:
		if c.PostgresURL == "" && c.MySQLURL == "" {
			errs = append(errs, fmt.Errorf("%s upstream needs %s or %s", UpstreamExternal, KeyPostgresURL, KeyMySQLURL))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be %s or %s, got %q", KeyUpstream, UpstreamContainer, UpstreamExternal, c.Upstream))
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{KeyReadyTimeout, c.ReadyTimeout},
		{KeyAdapterDeathTimeout, c.AdapterDeathTimeout},
		{KeyPollInterval, c.PollInterval},
		{KeyEventuallyTimeout, c.EventuallyTimeout},
		{KeyStopTimeout, c.StopTimeout},
	}
	for _, f := range durations {
		if f.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", f.key, f.d))
		}
	}
	if c.ServerBinary == "" || c.AdapterBinary == "" {
		errs = append(errs, fmt.Errorf("%s and %s are required", KeyServerBinary, KeyAdapterBinary))
	}
	return errors.Join(errs...)
}

// Upstreams returns the provisioner selected by Upstream.
func (c Config) Upstreams() deployment.UpstreamProvisioner {
	if c.Upstream == UpstreamExternal {
		urls := make(map[dbconn.Dialect]string)
		if c.PostgresURL != "" {
			urls[dbconn.PostgreSQL] = c.PostgresURL
		}
		if c.MySQLURL != "" {
			urls[dbconn.MySQL] = c.MySQLURL
		}
		return deployment.ExternalUpstream{URLs: urls}
	}
	return deployment.ContainerUpstream{
		PostgresImage:  c.PostgresImage,
		MySQLImage:     c.MySQLImage,
		StartupTimeout: c.ReadyTimeout,
	}
}

// ControllerOptions builds deployment options that launch real binaries.
func (c Config) ControllerOptions(logger *slog.Logger, m *metrics.Metrics) deployment.Options {
	return deployment.Options{
		ServerBinary:  c.ServerBinary,
		AdapterBinary: c.AdapterBinary,
		Supervisor: &deployment.ExecSupervisor{
			LogDir:      c.LogDir,
			StopTimeout: c.StopTimeout,
			Logger:      logger,
		},
		Upstreams:           c.Upstreams(),
		Logger:              logger,
		Metrics:             m,
		ReadyTimeout:        c.ReadyTimeout,
		AdapterDeathTimeout: c.AdapterDeathTimeout,
		PollInterval:        c.PollInterval,
	}
}

// OpenLedger opens the configured ledger file. It returns nil when Ledger is
// empty, leaving the controller to keep a private in-memory ledger.
func (c Config) OpenLedger() (*store.Store, error) {
	if c.Ledger == "" {
		return nil, nil
	}
	return store.Open(c.Ledger)
}
