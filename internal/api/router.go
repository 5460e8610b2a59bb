package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/honeynil/GearAuctionService/internal/handler"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, RequestDuration)
}

type RouterConfig struct {
	// PublicRateLimit is requests per minute per client IP on the browse endpoints.
	PublicRateLimit int
	CronSecretHash  string
	Development     bool
	// Ready reports whether the backing store answers; nil means always ready.
	Ready func(ctx context.Context) error
	// Revoker backs POST /api/auth/logout; the route is absent when nil.
	Revoker auth.TokenRevoker
}

func SetupRouter(h *handler.Handler, verifier auth.IdentityVerifier, cfg RouterConfig) http.Handler {
	root := mux.NewRouter()
	root.Use(metricsMiddleware)

	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	root.HandleFunc("/healthz", healthz(cfg.Ready)).Methods(http.MethodGet)

	api := root.PathPrefix("/api").Subrouter()

	public := api.NewRoute().Subrouter()
	if cfg.PublicRateLimit > 0 {
		public.Use(httprate.LimitByIP(cfg.PublicRateLimit, time.Minute))
	}
	h.RegisterPublicRoutes(public)

	h.RegisterWebhookRoutes(api)

	cron := api.PathPrefix("/cron").Subrouter()
	cron.Use(auth.CronSecretMiddleware(cfg.CronSecretHash))
	h.RegisterCronRoutes(cron)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(auth.AuthMiddleware(verifier))
	h.RegisterAdminRoutes(admin)

	protected := api.NewRoute().Subrouter()
	protected.Use(auth.AuthMiddleware(verifier))
	h.RegisterProtectedRoutes(protected)
	if cfg.Revoker != nil {
		protected.Handle("/auth/logout", auth.LogoutHandler(cfg.Revoker)).Methods(http.MethodPost)
	}

	headers := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		IsDevelopment:         cfg.Development,
	})

	var out http.Handler = root
	out = headers.Handler(out)
	out = middleware.Recoverer(out)
	out = middleware.RealIP(out)
	out = middleware.RequestID(out)
	return out
}

func healthz(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// metricsMiddleware labels by route template so path IDs do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}

		RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(recorder.status)).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
