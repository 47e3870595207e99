// Package run contains the command to run the SPARQL gateway.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"reflect"
	goruntime "runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-viper/mapstructure/v2"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/smartrics/iotics-sparql-http/assets"
	"github.com/smartrics/iotics-sparql-http/internal/build"
	serverconfig "github.com/smartrics/iotics-sparql-http/internal/server/config"
	"github.com/smartrics/iotics-sparql-http/pkg/cache"
	"github.com/smartrics/iotics-sparql-http/pkg/identity"
	"github.com/smartrics/iotics-sparql-http/pkg/logger"
	"github.com/smartrics/iotics-sparql-http/pkg/metaapi"
	"github.com/smartrics/iotics-sparql-http/pkg/middleware/logging"
	"github.com/smartrics/iotics-sparql-http/pkg/middleware/recovery"
	"github.com/smartrics/iotics-sparql-http/pkg/middleware/requestid"
	"github.com/smartrics/iotics-sparql-http/pkg/server"
	"github.com/smartrics/iotics-sparql-http/pkg/telemetry"
)

const httpPortKey = "http.port"

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the SPARQL gateway",
		Long:  "Run the SPARQL gateway.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("host-dns", defaultConfig.Host.DNS, "the DNS name of the IOTICS host whose space is queried")

	flags.String("agent-seed", defaultConfig.Agent.Seed, "the secret seed of the agent identity that signs the tokens")

	flags.String("agent-key-name", defaultConfig.Agent.KeyName, "the key name of the agent identity that signs the tokens")

	flags.String("user-seed", defaultConfig.User.Seed, "the secret seed of the default user, used for anonymous requests")

	flags.String("user-key", defaultConfig.User.Key, "the key name of the default user, used for anonymous requests")

	cmd.MarkFlagsRequiredTogether("user-seed", "user-key")

	flags.Bool("authn-anonymous-enabled", defaultConfig.Authn.AnonymousEnabled, "run requests without an Authorization header as the default user")

	flags.Duration("authn-token-duration", defaultConfig.Authn.TokenDuration, "the validity of the tokens issued for requests. Plain numbers are seconds")

	flags.Int64("identity-cache-size", defaultConfig.Identity.CacheSize, "the maximum number of derived users kept in memory. 0 keeps every user")

	flags.String("identity-resolver-url", defaultConfig.Identity.ResolverURL, "the resolver URL. When empty it is read from the host index")

	flags.Duration("identity-bootstrap-timeout", defaultConfig.Identity.BootstrapTimeout, "how long to retry the default user registration at startup")

	flags.Duration("identity-discovery-timeout", defaultConfig.Identity.DiscoveryTimeout, "the timeout of each call to the host index and the resolver")

	flags.Int("identity-discovery-retries", defaultConfig.Identity.DiscoveryRetries, "how many times a failed call to the host index or the resolver is retried")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.Bool("http-webroot-enabled", defaultConfig.HTTP.WebrootEnabled, "serve the query console on the HTTP server")

	flags.Duration("http-shutdown-timeout", defaultConfig.HTTP.ShutdownTimeout, "how long in-flight requests are given to finish on shutdown")

	flags.String("backend-addr", defaultConfig.Backend.Addr, "the host:port address of the MetaAPI. Defaults to the host DNS on port 443")

	flags.Bool("backend-tls-enabled", defaultConfig.Backend.TLSEnabled, "connect to the MetaAPI over TLS")

	flags.Duration("backend-keepalive-time", defaultConfig.Backend.KeepaliveTime, "the interval of keepalive pings on an idle MetaAPI connection. 0 disables them")

	flags.Duration("backend-keepalive-timeout", defaultConfig.Backend.KeepaliveTimeout, "how long to wait for a keepalive ping response")

	flags.Uint("backend-max-retries", defaultConfig.Backend.MaxRetries, "how many times a query is retried while the MetaAPI is unavailable")

	flags.Duration("query-idle-timeout", defaultConfig.Query.IdleTimeout, "abort a query when no result chunk arrives for this long. 0 disables the watchdog")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")

	flags.String("trace-resource-attributes", defaultConfig.Trace.ResourceAttributes, "comma separated key=value pairs added to the traced resource")

	flags.Duration("trace-slow-query-threshold", defaultConfig.Trace.SlowQueryThreshold, "only export traces lasting at least this long. 0 exports every sampled trace")

	flags.Bool("profiler-enabled", defaultConfig.Profiler.Enabled, "enable/disable pprof profiling")

	flags.String("profiler-addr", defaultConfig.Profiler.Addr, "the host:port address to serve the pprof profiler server on")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.Bool("metrics-enable-rpc-histograms", defaultConfig.Metrics.EnableRPCHistograms, "enables prometheus histogram metrics for MetaAPI calls (latency distributions)")

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the gateway configuration based on the values provided in the 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/sparqlhttp', '$HOME/.sparqlhttp', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(config, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	if port := viper.GetString(httpPortKey); port != "" {
		host, _, err := net.SplitHostPort(config.HTTP.Addr)
		if err != nil {
			return nil, fmt.Errorf("config 'http.addr' (%s) is not a host:port address: %w", config.HTTP.Addr, err)
		}
		config.HTTP.Addr = net.JoinHostPort(host, port)
	}

	return config, nil
}

// durationHook decodes durations given as Go durations or as a number of
// seconds.
func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) || from == to {
		return data, nil
	}

	switch from.Kind() {
	case reflect.String:
		return serverconfig.ParseDuration(data.(string))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	default:
		return data, nil
	}
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint))

		tp := telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithAttributes(resourceAttributes(config.Trace.ResourceAttributes)...),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
			telemetry.WithSlowQueryThreshold(config.Trace.SlowQueryThreshold),
		)
		return func() error {
			// can take up to 5 seconds to complete (https://github.com/open-telemetry/opentelemetry-go/blob/aebcbfcbc2962957a578e9cb3e25dc834125e318/sdk/trace/batch_span_processor.go#L97)
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return tp.Close(ctx)
		}
	}
	otel.SetTracerProvider(telemetry.Noop())
	return func() error {
		return nil
	}
}

// resourceAttributes parses "k1=v1,k2=v2". Malformed pairs are skipped.
func resourceAttributes(s string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		attrs = append(attrs, attribute.String(k, strings.TrimSpace(v)))
	}
	return attrs
}

func (s *ServerContext) backendConfig(config *serverconfig.Config, metrics *grpcprom.ClientMetrics) (*metaapi.Client, error) {
	clientConfig := metaapi.ClientConfig{
		Addr:                         config.BackendAddr(),
		KeepaliveTime:                config.Backend.KeepaliveTime,
		KeepaliveTimeout:             config.Backend.KeepaliveTimeout,
		KeepalivePermitWithoutStream: true,
		MaxRetries:                   config.Backend.MaxRetries,
		ClientAppID:                  build.ProjectName,
		EnableTracing:                config.Trace.Enabled,
		Metrics:                      metrics,
		Logger:                       s.Logger,
	}

	if config.Backend.TLSEnabled {
		clientConfig.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		s.Logger.Warn("MetaAPI TLS is disabled, queries are sent in plaintext")
	}

	client, err := metaapi.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	s.Logger.Info(fmt.Sprintf("🔌 sending queries to the MetaAPI at '%s'", clientConfig.Addr))
	return client, nil
}

// identityConfig builds the token issuer and registers the default user
// delegation, if any, before the gateway takes requests.
func (s *ServerContext) identityConfig(ctx context.Context, config *serverconfig.Config) (*identity.Issuer, error) {
	seed, err := identity.DecodeSeed(config.Agent.Seed)
	if err != nil {
		return nil, fmt.Errorf("invalid agent seed: %w", err)
	}

	resolver := config.Identity.ResolverURL
	if resolver == "" {
		client := identity.NewHTTPClient(config.Identity.DiscoveryRetries, config.Identity.DiscoveryTimeout)
		resolver, err = identity.DiscoverResolver(ctx, client, config.Host.DNS)
		if err != nil {
			return nil, fmt.Errorf("failed to discover the resolver of '%s': %w", config.Host.DNS, err)
		}
	}
	s.Logger.Info(fmt.Sprintf("🪪 registering identities with the resolver at '%s'", resolver))

	registrar, err := identity.NewResolverRegistrar(resolver)
	if err != nil {
		return nil, err
	}

	agentCtx := ctx
	if config.Identity.BootstrapTimeout > 0 {
		var cancel context.CancelFunc
		agentCtx, cancel = context.WithTimeout(ctx, config.Identity.BootstrapTimeout)
		defer cancel()
	}
	agent, err := registrar.CreateAgent(agentCtx, seed, config.Agent.KeyName, identity.AgentKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to register the agent identity: %w", err)
	}
	s.Logger.Info(fmt.Sprintf("acting as agent '%s'", agent.DID))

	users, err := cache.New[*identity.Identity](config.Identity.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create the identity cache: %w", err)
	}

	opts := []identity.IssuerOption{
		identity.WithAudience(resolver),
		identity.WithRegistrar(registrar),
		identity.WithUserCache(users),
		identity.WithDelegationTimeout(config.Identity.BootstrapTimeout),
		identity.WithLogger(s.Logger),
	}
	if config.User.Seed != "" {
		opts = append(opts, identity.WithDefaultUser(config.User.Key, config.User.Seed))
	}

	issuer := identity.NewIssuer(agent, opts...)
	if err := issuer.Bootstrap(ctx, config.Identity.BootstrapTimeout); err != nil {
		issuer.Close()
		return nil, fmt.Errorf("failed to register the default user delegation: %w", err)
	}
	return issuer, nil
}

func (s *ServerContext) runHTTPServer(config *serverconfig.Config, svr *server.Server) (*http.Server, error) {
	routes, err := svr.Handler()
	if err != nil {
		return nil, err
	}

	handler := requestid.NewHTTPMiddleware(logging.NewHTTPLoggingMiddleware(s.Logger)(routes))

	if config.Trace.Enabled {
		handler = otelhttp.NewHandler(handler, "sparql-gateway")
	}

	httpServer := &http.Server{
		Addr: config.HTTP.Addr,
		Handler: recovery.HTTPPanicRecoveryHandler(cors.New(cors.Options{
			// responses always allow any origin, so credentials are never allowed
			AllowedOrigins: config.HTTP.CORSAllowedOrigins,
			AllowedHeaders: config.HTTP.CORSAllowedHeaders,
			AllowedMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodHead,
			},
			ExposedHeaders: []string{server.ErrorTrailer},
		}).Handler(handler), s.Logger),
	}

	listener, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting HTTP server on '%s'...", httpServer.Addr))
		if err := httpServer.Serve(listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("HTTP server closed with unexpected error", zap.Error(err))
			}
		}
		s.Logger.Info("HTTP server shut down.")
	}()
	return httpServer, nil
}

// Run returns an error if the server was unable to start successfully.
// If it started and terminated successfully, it returns a nil error.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)
	defer func() {
		if err := tracerProviderCloser(); err != nil {
			s.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	var clientMetrics *grpcprom.ClientMetrics
	if config.Metrics.Enabled {
		var opts []grpcprom.ClientMetricsOption
		if config.Metrics.EnableRPCHistograms {
			opts = append(opts, grpcprom.WithClientHandlingTimeHistogram())
		}
		clientMetrics = grpcprom.NewClientMetrics(opts...)
		if err := prometheus.Register(clientMetrics); err != nil {
			return fmt.Errorf("failed to register MetaAPI client metrics: %w", err)
		}
		defer prometheus.Unregister(clientMetrics)
	}

	backend, err := s.backendConfig(config, clientMetrics)
	if err != nil {
		return err
	}
	defer backend.Close()

	issuer, err := s.identityConfig(ctx, config)
	if err != nil {
		return err
	}
	defer issuer.Close()

	var profilerServer *http.Server
	if config.Profiler.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		profilerServer = &http.Server{Addr: config.Profiler.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("🔬 starting pprof profiler on '%s'", config.Profiler.Addr))

			if err := profilerServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start pprof profiler", zap.Error(err))
				}
			}
			s.Logger.Info("profiler shut down.")
		}()
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
	}

	serverOpts := []server.ServerOption{
		server.WithLogger(s.Logger),
		server.WithBackend(backend),
		server.WithTokenIssuer(issuer),
		server.WithReadinessCheck(backend),
		server.WithAnonymousAccess(config.Authn.AnonymousEnabled),
		server.WithTokenDuration(config.Authn.TokenDuration),
		server.WithIdleTimeout(config.Query.IdleTimeout),
	}
	if config.HTTP.WebrootEnabled {
		webroot, err := fs.Sub(assets.EmbedWebroot, assets.WebrootDir)
		if err != nil {
			return fmt.Errorf("failed to load the webroot: %w", err)
		}
		serverOpts = append(serverOpts, server.WithWebroot(webroot))
	}

	svr, err := server.NewServerWithOpts(serverOpts...)
	if err != nil {
		return err
	}

	httpServer, err := s.runHTTPServer(config, svr)
	if err != nil {
		return err
	}

	s.Logger.Info(
		"📡 sparqlhttp started",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.String("host.dns", config.Host.DNS),
		logger.Secret("agent.seed", config.Agent.Seed),
		zap.String("agent.key-name", config.Agent.KeyName),
		logger.Secret("user.seed", config.User.Seed),
		zap.String("user.key", config.User.Key),
		zap.Any("config", config.Redacted()),
	)

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), config.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		s.Logger.Info("failed to shutdown the http server", zap.Error(err))
	}

	if profilerServer != nil {
		if err := profilerServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the profiler", zap.Error(err))
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}
