// Package api exposes the HTTP surface: the update API clients poll,
// the private package API, and the inbound webhook endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/packpulse/packpulse/registry"
	"github.com/packpulse/packpulse/sched"
	"github.com/packpulse/packpulse/store"
	pkgsync "github.com/packpulse/packpulse/sync"
	"github.com/packpulse/packpulse/webhook"
)

var httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "packpulse",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request handling time per route.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route"})

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Server handles every inbound HTTP request.
type Server struct {
	reg       *registry.Registry
	scheduler *sched.Scheduler
	pipe      *pkgsync.Synchronizer
	disamb    *webhook.Disambiguator
	st        store.Store
	local     *store.Local // nil when the S3 backend is active
	signer    *pkgsync.Signer
	log       *zap.Logger
	apiKey    string
	signedTTL time.Duration
}

func NewServer(reg *registry.Registry, scheduler *sched.Scheduler, pipe *pkgsync.Synchronizer, st store.Store, signer *pkgsync.Signer, log *zap.Logger, apiKey string, signedTTL time.Duration) *Server {
	local, _ := st.(*store.Local)
	if signedTTL <= 0 {
		signedTTL = time.Hour
	}
	return &Server{
		reg:       reg,
		scheduler: scheduler,
		pipe:      pipe,
		disamb:    webhook.NewDisambiguator(reg),
		st:        st,
		local:     local,
		signer:    signer,
		log:       log,
		apiKey:    apiKey,
		signedTTL: signedTTL,
	}
}

type startKey struct{}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/updatepulse/update-api", s.handleUpdateAPI).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/updatepulse/package-api", s.handlePackageAPI).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/updatepulse/webhook", s.handleWebhook).Methods(http.MethodPost)
	if s.signer != nil {
		r.HandleFunc("/key.gpg", s.handlePublicKey).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Use(s.observe)
	return r
}

// observe stamps the request start time for time_elapsed and feeds the
// per-route duration histogram.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := context.WithValue(r.Context(), startKey{}, start)
		next.ServeHTTP(w, r.WithContext(ctx))

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		s.log.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// respond writes a JSON body with the time_elapsed field every API
// response carries.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	if start, ok := r.Context().Value(startKey{}).(time.Time); ok {
		payload["time_elapsed"] = fmt.Sprintf("%.3f", time.Since(start).Seconds())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("writing response failed", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respond(w, r, status, map[string]any{"message": message})
}

func validSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

func validKind(kind string) bool {
	switch kind {
	case registry.KindPlugin, registry.KindTheme, registry.KindGeneric:
		return true
	}
	return false
}

func (s *Server) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/pgp-keys")
	w.Write(s.signer.PublicKey())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]any{"status": "ok"})
}
