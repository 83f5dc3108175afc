package observability

import (
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"examonline/internal/auth"
)

type key struct {
	Method string
	Path   string
	Status int
}

type stat struct {
	Count     int64
	LatencyMS float64
}

// CacheStats is implemented by the local cache tier.
type CacheStats interface {
	Len() int
}

type Collector struct {
	db    *sql.DB
	cache CacheStats
	log   zerolog.Logger

	mu           sync.RWMutex
	requestStats map[key]stat
	startedAt    time.Time
}

func NewCollector(db *sql.DB, cache CacheStats, logger zerolog.Logger) *Collector {
	return &Collector{
		db:           db,
		cache:        cache,
		log:          logger.With().Str("component", "http").Logger(),
		requestStats: make(map[key]stat),
		startedAt:    time.Now(),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records per-route counters and emits one log event per request.
// It must run inside the auth middleware to see the user id.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := key{Method: r.Method, Path: path, Status: rec.status}
		s := c.requestStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.requestStats[k] = s
		c.mu.Unlock()

		var ev *zerolog.Event
		switch {
		case rec.status >= http.StatusInternalServerError:
			ev = c.log.Error()
		case rec.status >= http.StatusBadRequest:
			ev = c.log.Warn()
		default:
			ev = c.log.Info()
		}
		ev = ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", path).
			Int("status", rec.status).
			Float64("latency_ms", latencyMS).
			Str("remote_ip", strings.TrimSpace(r.RemoteAddr))
		if u, ok := auth.CurrentUser(r.Context()); ok {
			ev = ev.Str("user_id", u.ID)
		}
		if id := extractAttemptID(r.URL.Path); id != "" {
			ev = ev.Str("attempt_id", id)
		}
		ev.Msg("request")
	})
}

// MetricsHandler renders the collected counters in the Prometheus text
// format.
func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	keys := make([]key, 0, len(c.requestStats))
	snapshot := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		keys = append(keys, k)
		snapshot[k] = v
	}
	c.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		return a.Status < b.Status
	})

	m := &metricsWriter{}
	m.gauge("uptime_seconds", "", fmt.Sprintf("%.0f", time.Since(c.startedAt).Seconds()))
	for _, k := range keys {
		s := snapshot[k]
		labels := fmt.Sprintf(`method=%q,path=%q,status="%d"`, k.Method, k.Path, k.Status)
		m.counter("http_requests_total", labels, strconv.FormatInt(s.Count, 10))
		m.counter("http_request_latency_ms_sum", labels, fmt.Sprintf("%.3f", s.LatencyMS))
	}
	if c.cache != nil {
		m.gauge("cache_l1_entries", "", strconv.Itoa(c.cache.Len()))
	}
	if c.db != nil {
		dbs := c.db.Stats()
		m.gauge("db_open_connections", "", strconv.Itoa(dbs.OpenConnections))
		m.gauge("db_in_use_connections", "", strconv.Itoa(dbs.InUse))
		m.gauge("db_idle_connections", "", strconv.Itoa(dbs.Idle))
		m.counter("db_wait_count", "", strconv.FormatInt(dbs.WaitCount, 10))
		m.counter("db_wait_duration_ms", "", fmt.Sprintf("%.3f", float64(dbs.WaitDuration.Microseconds())/1000.0))
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(m.sb.String()))
}

const metricPrefix = "examonline_"

// metricsWriter emits one TYPE line per metric family, before its first
// sample.
type metricsWriter struct {
	sb    strings.Builder
	typed map[string]bool
}

func (m *metricsWriter) counter(name, labels, value string) { m.sample("counter", name, labels, value) }

func (m *metricsWriter) gauge(name, labels, value string) { m.sample("gauge", name, labels, value) }

func (m *metricsWriter) sample(kind, name, labels, value string) {
	if m.typed == nil {
		m.typed = make(map[string]bool)
	}
	full := metricPrefix + name
	if !m.typed[full] {
		m.typed[full] = true
		fmt.Fprintf(&m.sb, "# TYPE %s %s\n", full, kind)
	}
	if labels != "" {
		fmt.Fprintf(&m.sb, "%s{%s} %s\n", full, labels, value)
		return
	}
	fmt.Fprintf(&m.sb, "%s %s\n", full, value)
}

// normalizedPath folds uuid segments so metrics stay per route.
func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func extractAttemptID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "attempts" {
			if id, err := uuid.Parse(parts[i+1]); err == nil {
				return id.String()
			}
		}
	}
	return ""
}
