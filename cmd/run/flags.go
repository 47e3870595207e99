package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/smartrics/iotics-sparql-http/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
// The unprefixed environment variables are the names older deployments use
// and lose to their SPARQLHTTP_ counterparts.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, _ []string) {
		util.MustBindPFlag("host.dns", flags.Lookup("host-dns"))
		util.MustBindEnv("host.dns", "SPARQLHTTP_HOST_DNS", "HOST_DNS")

		util.MustBindPFlag("agent.seed", flags.Lookup("agent-seed"))
		util.MustBindEnv("agent.seed", "SPARQLHTTP_AGENT_SEED", "AGENT_SEED")

		util.MustBindPFlag("agent.key-name", flags.Lookup("agent-key-name"))
		util.MustBindEnv("agent.key-name", "SPARQLHTTP_AGENT_KEY_NAME", "AGENT_KEY")

		util.MustBindPFlag("user.seed", flags.Lookup("user-seed"))
		util.MustBindEnv("user.seed", "SPARQLHTTP_USER_SEED", "USER_SEED")

		util.MustBindPFlag("user.key", flags.Lookup("user-key"))
		util.MustBindEnv("user.key", "SPARQLHTTP_USER_KEY", "USER_KEY")

		util.MustBindPFlag("authn.anonymous-enabled", flags.Lookup("authn-anonymous-enabled"))
		util.MustBindEnv("authn.anonymous-enabled", "SPARQLHTTP_AUTHN_ANONYMOUS_ENABLED", "ENABLE_ANON")

		util.MustBindPFlag("authn.token-duration", flags.Lookup("authn-token-duration"))
		util.MustBindEnv("authn.token-duration", "SPARQLHTTP_AUTHN_TOKEN_DURATION", "TOKEN_DURATION")

		util.MustBindPFlag("identity.cache-size", flags.Lookup("identity-cache-size"))
		util.MustBindEnv("identity.cache-size", "SPARQLHTTP_IDENTITY_CACHE_SIZE")

		util.MustBindPFlag("identity.resolver-url", flags.Lookup("identity-resolver-url"))
		util.MustBindEnv("identity.resolver-url", "SPARQLHTTP_IDENTITY_RESOLVER_URL")

		util.MustBindPFlag("identity.bootstrap-timeout", flags.Lookup("identity-bootstrap-timeout"))
		util.MustBindEnv("identity.bootstrap-timeout", "SPARQLHTTP_IDENTITY_BOOTSTRAP_TIMEOUT")

		util.MustBindPFlag("identity.discovery-timeout", flags.Lookup("identity-discovery-timeout"))
		util.MustBindEnv("identity.discovery-timeout", "SPARQLHTTP_IDENTITY_DISCOVERY_TIMEOUT")

		util.MustBindPFlag("identity.discovery-retries", flags.Lookup("identity-discovery-retries"))
		util.MustBindEnv("identity.discovery-retries", "SPARQLHTTP_IDENTITY_DISCOVERY_RETRIES")

		util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
		util.MustBindEnv("http.addr", "SPARQLHTTP_HTTP_ADDR")

		// only an environment override, it replaces the port of http.addr
		util.MustBindEnv(httpPortKey, "SPARQLHTTP_HTTP_PORT", "PORT")

		util.MustBindPFlag("http.cors-allowed-origins", flags.Lookup("http-cors-allowed-origins"))
		util.MustBindEnv("http.cors-allowed-origins", "SPARQLHTTP_HTTP_CORS_ALLOWED_ORIGINS")

		util.MustBindPFlag("http.cors-allowed-headers", flags.Lookup("http-cors-allowed-headers"))
		util.MustBindEnv("http.cors-allowed-headers", "SPARQLHTTP_HTTP_CORS_ALLOWED_HEADERS")

		util.MustBindPFlag("http.webroot-enabled", flags.Lookup("http-webroot-enabled"))
		util.MustBindEnv("http.webroot-enabled", "SPARQLHTTP_HTTP_WEBROOT_ENABLED")

		util.MustBindPFlag("http.shutdown-timeout", flags.Lookup("http-shutdown-timeout"))
		util.MustBindEnv("http.shutdown-timeout", "SPARQLHTTP_HTTP_SHUTDOWN_TIMEOUT")

		util.MustBindPFlag("backend.addr", flags.Lookup("backend-addr"))
		util.MustBindEnv("backend.addr", "SPARQLHTTP_BACKEND_ADDR")

		util.MustBindPFlag("backend.tls-enabled", flags.Lookup("backend-tls-enabled"))
		util.MustBindEnv("backend.tls-enabled", "SPARQLHTTP_BACKEND_TLS_ENABLED")

		util.MustBindPFlag("backend.keepalive-time", flags.Lookup("backend-keepalive-time"))
		util.MustBindEnv("backend.keepalive-time", "SPARQLHTTP_BACKEND_KEEPALIVE_TIME")

		util.MustBindPFlag("backend.keepalive-timeout", flags.Lookup("backend-keepalive-timeout"))
		util.MustBindEnv("backend.keepalive-timeout", "SPARQLHTTP_BACKEND_KEEPALIVE_TIMEOUT")

		util.MustBindPFlag("backend.max-retries", flags.Lookup("backend-max-retries"))
		util.MustBindEnv("backend.max-retries", "SPARQLHTTP_BACKEND_MAX_RETRIES")

		util.MustBindPFlag("query.idle-timeout", flags.Lookup("query-idle-timeout"))
		util.MustBindEnv("query.idle-timeout", "SPARQLHTTP_QUERY_IDLE_TIMEOUT")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "SPARQLHTTP_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "SPARQLHTTP_LOG_LEVEL")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "SPARQLHTTP_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "SPARQLHTTP_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.sample-ratio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sample-ratio", "SPARQLHTTP_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace.service-name", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.service-name", "SPARQLHTTP_TRACE_SERVICE_NAME")

		util.MustBindPFlag("trace.resource-attributes", flags.Lookup("trace-resource-attributes"))
		util.MustBindEnv("trace.resource-attributes", "SPARQLHTTP_TRACE_RESOURCE_ATTRIBUTES")

		util.MustBindPFlag("trace.slow-query-threshold", flags.Lookup("trace-slow-query-threshold"))
		util.MustBindEnv("trace.slow-query-threshold", "SPARQLHTTP_TRACE_SLOW_QUERY_THRESHOLD")

		util.MustBindPFlag("profiler.enabled", flags.Lookup("profiler-enabled"))
		util.MustBindEnv("profiler.enabled", "SPARQLHTTP_PROFILER_ENABLED")

		util.MustBindPFlag("profiler.addr", flags.Lookup("profiler-addr"))
		util.MustBindEnv("profiler.addr", "SPARQLHTTP_PROFILER_ADDR")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "SPARQLHTTP_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "SPARQLHTTP_METRICS_ADDR")

		util.MustBindPFlag("metrics.enable-rpc-histograms", flags.Lookup("metrics-enable-rpc-histograms"))
		util.MustBindEnv("metrics.enable-rpc-histograms", "SPARQLHTTP_METRICS_ENABLE_RPC_HISTOGRAMS")
	}
}
