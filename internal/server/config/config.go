// Package config contains all knobs and defaults used to configure the
// SPARQL gateway when running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultTokenDuration     = time.Hour
	DefaultIdentityCacheSize = 0
	DefaultBootstrapTimeout  = 30 * time.Second
	DefaultDiscoveryTimeout  = 10 * time.Second
	DefaultDiscoveryRetries  = 3

	DefaultBackendPort             = 443
	DefaultBackendKeepaliveTime    = 30 * time.Second
	DefaultBackendKeepaliveTimeout = 10 * time.Second
	DefaultBackendMaxRetries       = 3

	DefaultQueryIdleTimeout = 0
	DefaultShutdownTimeout  = 10 * time.Second
)

// HostConfig identifies the IOTICS host the gateway fronts.
type HostConfig struct {
	// DNS is the host name of the space. Its index document names the
	// resolver, and it is the default backend address.
	DNS string `validate:"required"`
}

// AgentConfig holds the secrets of the agent identity that signs every
// token the gateway issues.
type AgentConfig struct {
	Seed    string `validate:"required"`
	KeyName string `mapstructure:"key-name" validate:"required"`
}

// UserConfig is the default user, used for anonymous requests. Seed and Key
// are set together or not at all.
type UserConfig struct {
	Seed string `validate:"required_with=Key"`
	Key  string `validate:"required_with=Seed"`
}

// AuthnConfig defines how requests are authorized.
type AuthnConfig struct {
	// AnonymousEnabled lets requests without an Authorization header run as
	// the default user.
	AnonymousEnabled bool `mapstructure:"anonymous-enabled"`

	// TokenDuration is the validity of the tokens minted for requests.
	TokenDuration time.Duration `mapstructure:"token-duration" validate:"gt=0"`
}

// IdentityConfig tunes the identity derivation and delegation registration.
type IdentityConfig struct {
	// CacheSize bounds the number of derived users kept in memory. Zero keeps
	// every user for the life of the process.
	CacheSize int64 `mapstructure:"cache-size" validate:"gte=0"`

	// ResolverURL skips discovery through the host index when set.
	ResolverURL string `mapstructure:"resolver-url" validate:"omitempty,url"`

	// BootstrapTimeout bounds the retries of the default user registration
	// at startup.
	BootstrapTimeout time.Duration `mapstructure:"bootstrap-timeout" validate:"gte=0"`

	DiscoveryTimeout time.Duration `mapstructure:"discovery-timeout" validate:"gt=0"`
	DiscoveryRetries int           `mapstructure:"discovery-retries" validate:"gte=0"`
}

// HTTPConfig defines settings for the HTTP server.
type HTTPConfig struct {
	Addr string `validate:"required,hostname_port"`

	CORSAllowedOrigins []string `mapstructure:"cors-allowed-origins"`
	CORSAllowedHeaders []string `mapstructure:"cors-allowed-headers"`

	// WebrootEnabled serves the query console next to the endpoints.
	WebrootEnabled bool `mapstructure:"webroot-enabled"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" validate:"gt=0"`
}

// BackendConfig defines the connection to the MetaAPI.
type BackendConfig struct {
	// Addr defaults to the host DNS on the TLS port.
	Addr string `validate:"omitempty,hostname_port"`

	TLSEnabled bool `mapstructure:"tls-enabled"`

	KeepaliveTime    time.Duration `mapstructure:"keepalive-time" validate:"gte=0"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive-timeout" validate:"gte=0"`

	// MaxRetries is how many times a query is retried while the backend is
	// unavailable.
	MaxRetries uint `mapstructure:"max-retries"`
}

// QueryConfig tunes query execution.
type QueryConfig struct {
	// IdleTimeout aborts a query whose result stream stalls. Zero disables
	// the watchdog.
	IdleTimeout time.Duration `mapstructure:"idle-timeout" validate:"gte=0"`
}

// LogConfig defines log settings. For production we recommend using the
// 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string `validate:"oneof=text json"`

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string `validate:"oneof=none debug info warn error panic fatal"`
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64         `mapstructure:"sample-ratio" validate:"gte=0,lte=1"`
	ServiceName string          `mapstructure:"service-name"`

	// ResourceAttributes are extra key=value pairs, comma separated, added
	// to the traced resource.
	ResourceAttributes string `mapstructure:"resource-attributes"`

	// SlowQueryThreshold only exports traces that lasted at least this long.
	// Zero exports every sampled trace.
	SlowQueryThreshold time.Duration `mapstructure:"slow-query-threshold" validate:"gte=0"`
}

type OTLPTraceConfig struct {
	Endpoint string
}

// ProfilerConfig defines server configurations specific to pprof profiling.
type ProfilerConfig struct {
	Enabled bool
	Addr    string
}

// MetricConfig defines configurations for serving prometheus metrics.
type MetricConfig struct {
	Enabled             bool
	Addr                string
	EnableRPCHistograms bool `mapstructure:"enable-rpc-histograms"`
}

type Config struct {
	Host     HostConfig
	Agent    AgentConfig
	User     UserConfig
	Authn    AuthnConfig
	Identity IdentityConfig
	HTTP     HTTPConfig
	Backend  BackendConfig
	Query    QueryConfig
	Log      LogConfig
	Trace    TraceConfig
	Profiler ProfilerConfig
	Metrics  MetricConfig
}

var validate = newValidator()

// newValidator reports failing fields by their config key.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	return v
}

// Verify checks the configuration for missing or conflicting values.
func (cfg *Config) Verify() error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationErrors(err)
	}

	if cfg.Authn.AnonymousEnabled && cfg.User.Seed == "" {
		return errors.New("config 'authn.anonymous-enabled' requires 'user.seed' and 'user.key' to be set")
	}

	if cfg.Trace.Enabled && cfg.Trace.OTLP.Endpoint == "" {
		return errors.New("config 'trace.otlp.endpoint' must be set when tracing is enabled")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == cfg.HTTP.Addr {
		return fmt.Errorf("config 'metrics.addr' (%s) cannot be the same as 'http.addr'", cfg.Metrics.Addr)
	}

	if cfg.Profiler.Enabled && cfg.Profiler.Addr == cfg.HTTP.Addr {
		return fmt.Errorf("config 'profiler.addr' (%s) cannot be the same as 'http.addr'", cfg.Profiler.Addr)
	}

	return nil
}

// BackendAddr returns the configured backend address, falling back to the
// host DNS on the default port.
func (cfg *Config) BackendAddr() string {
	if cfg.Backend.Addr != "" {
		return cfg.Backend.Addr
	}
	return net.JoinHostPort(cfg.Host.DNS, strconv.Itoa(DefaultBackendPort))
}

// formatValidationErrors turns struct tag failures into messages naming the
// config key at fault.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("config '%s' failed the '%s' check", configKey(fe.Namespace()), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// configKey drops the root struct name from a validator namespace, leaving
// the config key (Config.authn.token-duration becomes authn.token-duration).
func configKey(namespace string) string {
	if _, key, found := strings.Cut(namespace, "."); found {
		return key
	}
	return namespace
}

// DefaultConfig is the gateway default configuration. Host and agent
// secrets have no default.
func DefaultConfig() *Config {
	return &Config{
		Authn: AuthnConfig{
			AnonymousEnabled: false,
			TokenDuration:    DefaultTokenDuration,
		},
		Identity: IdentityConfig{
			CacheSize:        DefaultIdentityCacheSize,
			BootstrapTimeout: DefaultBootstrapTimeout,
			DiscoveryTimeout: DefaultDiscoveryTimeout,
			DiscoveryRetries: DefaultDiscoveryRetries,
		},
		HTTP: HTTPConfig{
			Addr:               "0.0.0.0:8080",
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
			WebrootEnabled:     true,
			ShutdownTimeout:    DefaultShutdownTimeout,
		},
		Backend: BackendConfig{
			TLSEnabled:       true,
			KeepaliveTime:    DefaultBackendKeepaliveTime,
			KeepaliveTimeout: DefaultBackendKeepaliveTimeout,
			MaxRetries:       DefaultBackendMaxRetries,
		},
		Query: QueryConfig{
			IdleTimeout: DefaultQueryIdleTimeout,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "sparqlhttp",
		},
		Profiler: ProfilerConfig{
			Enabled: false,
			Addr:    ":3001",
		},
		Metrics: MetricConfig{
			Enabled:             true,
			Addr:                "0.0.0.0:2112",
			EnableRPCHistograms: false,
		},
	}
}

// MustDefaultConfig returns the default config with metrics turned off and
// placeholder host and agent values, for tests.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Host.DNS = "localhost"
	config.Agent.Seed = "5d1c2b3a4f6e7d8c9b0a1f2e3d4c5b6a7988a7b6c5d4e3f2a1b0c9d8e7f6a5b4"
	config.Agent.KeyName = "agent-key"
	config.Metrics.Enabled = false

	return config
}

// MustDefaultConfigWithRandomPorts returns MustDefaultConfig with a random
// port for the HTTP address.
// This function may panic if somehow a random port cannot be chosen.
func MustDefaultConfigWithRandomPorts() *Config {
	config := MustDefaultConfig()

	httpPort, httpPortReleaser := TCPRandomPort()
	defer httpPortReleaser()

	config.HTTP.Addr = fmt.Sprintf("127.0.0.1:%d", httpPort)

	return config
}

// TCPRandomPort tries to find a random TCP Port. If it can't find one, it panics. Else, it returns the port and a function that releases the port.
// It is the responsibility of the caller to call the release function right before trying to listen on the given port.
func TCPRandomPort() (int, func()) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
	}
}

// ParseDuration accepts a Go duration ("90s") or a plain number of seconds
// ("3600").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

const redacted = "[REDACTED]"

// Redacted returns a copy of cfg that is safe to log.
func (cfg *Config) Redacted() *Config {
	c := *cfg
	if c.Agent.Seed != "" {
		c.Agent.Seed = redacted
	}
	if c.User.Seed != "" {
		c.User.Seed = redacted
	}
	return &c
}
