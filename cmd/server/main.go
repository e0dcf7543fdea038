// ICSS triages field complaint batches: it resolves each complaint to a
// component, scores and tiers it by risk, and bands it by age.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lg1805/icss-web-app/internal/authmw"
	ic "github.com/lg1805/icss-web-app/internal/cfg"
	"github.com/lg1805/icss-web-app/internal/complaintapi"
	"github.com/lg1805/icss-web-app/internal/notify/slack"
	"github.com/lg1805/icss-web-app/internal/postgres"
	"github.com/lg1805/icss-web-app/internal/refresh"
	"github.com/lg1805/icss-web-app/internal/triage"
)

const appName = "icss"
const component = "server"

// maxBatchBody bounds an uploaded batch; complaint exports run to a few MB.
const maxBatchBody = 32 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// set app name and component before reading build info
	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ic.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, parsed into the structs above
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first; env vars below do not override flags that were set
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// fill config values from ICSS_ environment variables, these do not
	// override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "ICSS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// the policy file overrides flag and env values for the policy knobs
	if err := appCfg.ApplyPolicyFile(); err != nil {
		return fmt.Errorf("policy file: %w", err)
	}

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, flushes buffered logs if the backend ever changes
	defer func() { _ = lg.Sync() }()

	// component field pre-filled for every log line from this package
	L := lg.With("component", vi.Component)
	// the logger travels in ctx so the postgres tracer and handlers can find it
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"rpn_profile", appCfg.RPNProfile,
		"tier_strategy", appCfg.TierStrategy,
		"escalation_policy", appCfg.EscalationPolicy,
		"classifier", appCfg.Classifier,
		"similarity_fallback", appCfg.EmbedderURL != "",
		"api_auth", appCfg.APIToken != "",
	)

	// setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	// start profiling, returns a stop function that flushes buffers on shutdown
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// start otel, returns a shutdown function that flushes pending spans
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// process-wide metrics registry; triage and db collectors register on it
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	triageMetrics := triage.NewMetrics(m.Registry())

	// per-query DB duration histogram; only Postgres queries pass through it
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "icss_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// history store: postgres, else sqlite, else memory
	triageStore, storeKind, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()
	L.Info(ctx, "history store ready", "store", storeKind)

	// bad catalog rows are skipped and counted, an unreadable file is fatal
	cat, rejected, err := loadCatalog(ctx, appCfg.CatalogPath, L)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	triageMetrics.CatalogRejected.Add(float64(rejected))

	engineCfg, err := engineConfig(&appCfg, cat)
	if err != nil {
		return err
	}
	// the engine is pure, it never touches the store
	engine := triage.NewEngine(engineCfg, L, triageMetrics.Hooks())

	// slack summary per finished batch, optional
	var notifier triage.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// the service owns dedup, lifecycle and async dispatch
	triageSvc := triage.NewService(triageStore, engine, L, triageMetrics, notifier,
		triage.ServiceOptions{BatchTimeout: appCfg.BatchTimeout})

	// periodic re-banding of recent batches; also hot-reloads the catalog
	var scheduler *refresh.Scheduler
	if appCfg.RefreshSchedule != "" {
		scheduler, err = refresh.New(refresh.Config{
			Schedule:    appCfg.RefreshSchedule,
			Window:      time.Duration(appCfg.RefreshWindowDays) * 24 * time.Hour,
			CatalogPath: appCfg.CatalogPath,
		}, triageSvc, engine, L, refresh.Hooks{
			OnRefresh: func(updated int, err error) {
				if err != nil {
					triageMetrics.RefreshesTotal.WithLabelValues("error").Inc()
					return
				}
				triageMetrics.RefreshesTotal.WithLabelValues("ok").Inc()
				triageMetrics.RefreshedBatches.Add(float64(updated))
			},
			OnCatalogLoad: func(_, rejected int) {
				triageMetrics.CatalogRejected.Add(float64(rejected))
			},
		})
		if err != nil {
			return err
		}
		scheduler.Start()
		L.Info(ctx, "escalation refresh scheduled", "schedule", appCfg.RefreshSchedule, "window_days", appCfg.RefreshWindowDays)
	}

	// toggled at shutdown to fail readiness so the load balancer drains
	// connections before the process exits
	var shutdownGate health.ShutdownGate

	// readiness is currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// ops http server for metrics, health checks, pprof
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// admin/ops listener, meant for internal monitoring only; opshttp rejects
	// public source ips and forwarded requests in case the network is misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// main api chi router and middleware stack
	r := chi.NewRouter()

	// compress text responses, the api is JSON only
	r.Use(middleware.Compress(5, "application/json"))
	// annotate logger (and span if recording) with http.route from the chi pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// stash HTTP method in context for DB query metrics labelling
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())
	// 413 past the limit; the handler enforces the same cap on decode
	r.Use(httpmw.MaxBody(maxBatchBody))

	// health endpoints on the main listener too, outside the auth group
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// api routes, behind bearer auth when tokens are configured
	api := complaintapi.New(L, triageSvc)
	r.Group(func(r chi.Router) {
		if tokens := appCfg.APITokens(); len(tokens) > 0 {
			r.Use(authmw.BearerToken(tokens...))
		}
		api.RegisterRoutes(r)
	})

	// order matters: the outermost wrapper sees the raw request first and the
	// response last, the innermost sees the full context from everything outside it
	var h http.Handler = r

	// request-scoped logging, inner so it sees trace_id, chi route, etc
	h = httpmw.WithLogger(L)(h)

	// trace-id and span-id headers on responses with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern later
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// replacement for the deprecated WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// prometheus http instrumentation
	h = m.Middleware(h)

	// client ip resolution and spoofing protection, outer so everything
	// downstream sees the same resolved ip
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// request id, outer so everything downstream sees it
	h = httpmw.RequestID("X-Request-Id")(h)

	// recover and log panics from anything downstream, serve 500
	h = httpmw.Recover(L, nil)(h)

	// security headers outermost so they are on every response
	h = httpmw.SecurityHeaders(h)

	// http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// start the api http server
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// tell systemd we are up if started with Type=notify
	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// give in-flight requests time to finish and the load balancer time to
	// notice we are unready; a second signal skips the wait
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// per-component budget sliced from the total; stopProf is synchronous
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
	}
	if scheduler != nil {
		stopFns = append(stopFns, stopFn{"refresh scheduler", scheduler.Stop})
	}
	stopFns = append(stopFns,
		stopFn{"triage workers", waitFn(triageSvc.Wait)},
		stopFn{"ops http server", opsHTTPStop},
	)
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// waitFn adapts a blocking wait into a stop function bounded by ctx.
func waitFn(wait func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit has Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, no context support for unixgram dial
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
