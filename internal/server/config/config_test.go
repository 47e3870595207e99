package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifyConfig(t *testing.T) {
	tests := map[string]struct {
		modify  func(cfg *Config)
		wantErr string
	}{
		`defaults_are_valid`: {
			modify: func(*Config) {},
		},
		`missing_host`: {
			modify:  func(cfg *Config) { cfg.Host.DNS = "" },
			wantErr: "config 'host.dns' failed the 'required' check",
		},
		`missing_agent_secrets`: {
			modify: func(cfg *Config) {
				cfg.Agent.Seed = ""
				cfg.Agent.KeyName = ""
			},
			wantErr: "config 'agent.seed' failed the 'required' check; config 'agent.key-name' failed the 'required' check",
		},
		`user_seed_without_key`: {
			modify:  func(cfg *Config) { cfg.User.Seed = "user-seed" },
			wantErr: "config 'user.key' failed the 'required_with' check",
		},
		`user_key_without_seed`: {
			modify:  func(cfg *Config) { cfg.User.Key = "user-key" },
			wantErr: "config 'user.seed' failed the 'required_with' check",
		},
		`non_positive_token_duration`: {
			modify:  func(cfg *Config) { cfg.Authn.TokenDuration = 0 },
			wantErr: "config 'authn.token-duration' failed the 'gt' check",
		},
		`negative_idle_timeout`: {
			modify:  func(cfg *Config) { cfg.Query.IdleTimeout = -time.Second },
			wantErr: "config 'query.idle-timeout' failed the 'gte' check",
		},
		`bad_log_format`: {
			modify:  func(cfg *Config) { cfg.Log.Format = "xml" },
			wantErr: "config 'log.format' failed the 'oneof' check",
		},
		`bad_log_level`: {
			modify:  func(cfg *Config) { cfg.Log.Level = "verbose" },
			wantErr: "config 'log.level' failed the 'oneof' check",
		},
		`sample_ratio_above_one`: {
			modify:  func(cfg *Config) { cfg.Trace.SampleRatio = 1.5 },
			wantErr: "config 'trace.sample-ratio' failed the 'lte' check",
		},
		`bad_http_addr`: {
			modify:  func(cfg *Config) { cfg.HTTP.Addr = "not an address" },
			wantErr: "config 'http.addr' failed the 'hostname_port' check",
		},
		`bad_resolver_url`: {
			modify:  func(cfg *Config) { cfg.Identity.ResolverURL = "resolver" },
			wantErr: "config 'identity.resolver-url' failed the 'url' check",
		},
		`anonymous_without_default_user`: {
			modify:  func(cfg *Config) { cfg.Authn.AnonymousEnabled = true },
			wantErr: "config 'authn.anonymous-enabled' requires 'user.seed' and 'user.key' to be set",
		},
		`anonymous_with_default_user`: {
			modify: func(cfg *Config) {
				cfg.Authn.AnonymousEnabled = true
				cfg.User.Seed = "user-seed"
				cfg.User.Key = "user-key"
			},
		},
		`tracing_without_endpoint`: {
			modify: func(cfg *Config) {
				cfg.Trace.Enabled = true
				cfg.Trace.OTLP.Endpoint = ""
			},
			wantErr: "config 'trace.otlp.endpoint' must be set when tracing is enabled",
		},
		`metrics_on_http_addr`: {
			modify: func(cfg *Config) {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = cfg.HTTP.Addr
			},
			wantErr: "config 'metrics.addr' (0.0.0.0:8080) cannot be the same as 'http.addr'",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := MustDefaultConfig()
			test.modify(cfg)

			err := cfg.Verify()
			if test.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, test.wantErr)
		})
	}
}

func TestDefaultConfigNeedsHostAndAgent(t *testing.T) {
	err := DefaultConfig().Verify()
	require.ErrorContains(t, err, "host.dns")
	require.ErrorContains(t, err, "agent.seed")
}

func TestBackendAddr(t *testing.T) {
	cfg := MustDefaultConfig()
	cfg.Host.DNS = "demo.iotics.space"
	require.Equal(t, "demo.iotics.space:443", cfg.BackendAddr())

	cfg.Backend.Addr = "127.0.0.1:10001"
	require.Equal(t, "127.0.0.1:10001", cfg.BackendAddr())
}

func TestRedacted(t *testing.T) {
	cfg := MustDefaultConfig()
	cfg.User.Seed = "user-seed"
	cfg.User.Key = "user-key"

	r := cfg.Redacted()
	require.Equal(t, "[REDACTED]", r.Agent.Seed)
	require.Equal(t, "[REDACTED]", r.User.Seed)
	require.Equal(t, "agent-key", r.Agent.KeyName)
	require.Equal(t, "user-key", r.User.Key)

	// the original is untouched
	require.Equal(t, "5d1c2b3a4f6e7d8c9b0a1f2e3d4c5b6a7988a7b6c5d4e3f2a1b0c9d8e7f6a5b4", cfg.Agent.Seed)
	require.Equal(t, "user-seed", cfg.User.Seed)
}

func TestParseDuration(t *testing.T) {
	tests := map[string]struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		`seconds`:      {input: "3600", want: time.Hour},
		`go_duration`:  {input: "90s", want: 90 * time.Second},
		`padded`:       {input: " 2m ", want: 2 * time.Minute},
		`iso_rejected`: {input: "PT1H", wantErr: true},
		`empty`:        {input: "", wantErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseDuration(test.input)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestMustDefaultConfigWithRandomPorts(t *testing.T) {
	cfg := MustDefaultConfigWithRandomPorts()
	require.NotEqual(t, DefaultConfig().HTTP.Addr, cfg.HTTP.Addr)
	require.False(t, cfg.Metrics.Enabled)
	require.NoError(t, cfg.Verify())
}
