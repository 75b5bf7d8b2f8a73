package admission

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rustyonions/overlay/internal/kernel"
)

// Config bundles the tunables for every admission layer.
type Config struct {
	RequestTimeout time.Duration
	MaxInflight    int64
	RPS            float64
	Burst          int
	MaxBodyBytes   int64
}

// AuthFunc verifies a request's bearer capability, returning a non-nil
// error to deny. Passport verification lives in internal/passport; the
// pipeline only knows the function-shaped contract.
type AuthFunc func(r *http.Request) error

// PolicyFunc evaluates a request against a loaded rule bundle, returning
// a non-nil error to deny (first-matching-rule-wins, default-deny unless
// configured otherwise).
type PolicyFunc func(r *http.Request) error

// Pipeline assembles the ordered admission layers into a single
// http.Handler middleware.
type Pipeline struct {
	cfg   Config
	sem   *semaphore.Weighted
	limit *TokenBucket
	gate  *ReadyGate

	Auth   AuthFunc
	Policy PolicyFunc
}

func NewPipeline(cfg Config, gate *ReadyGate) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(cfg.MaxInflight),
		limit: NewTokenBucket(cfg.RPS, cfg.Burst),
		gate:  gate,
	}
}

// Wrap applies every admission layer, outermost first, around next.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	h := next
	h = p.policyLayer(h)
	h = p.authLayer(h)
	h = p.decodeGuard(h)
	h = p.bodyCap(h)
	h = p.tokenBucket(h)
	h = p.concurrencyCap(h)
	h = p.timeout(h)
	h = p.requestID(h)
	return h
}

type requestIDKey struct{}

// RequestIDFrom extracts the per-request id set by the requestID layer.
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (p *Pipeline) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = "r-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		w.Header().Set("x-request-id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (p *Pipeline) timeout(next http.Handler) http.Handler {
	d := p.cfg.RequestTimeout
	if d <= 0 {
		d = 5 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(w, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			WriteError(w, http.StatusRequestTimeout, CodeBadRequest, "request deadline exceeded", 0)
		}
	})
}

func (p *Pipeline) concurrencyCap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.sem.TryAcquire(1) {
			kernel.GlobalMetrics().AdmissionDropped.WithLabelValues(string(CodeTooBusy)).Inc()
			WriteError(w, http.StatusServiceUnavailable, CodeTooBusy, "too many in-flight requests", 1000)
			return
		}
		finish := func(bool) {}
		if p.gate != nil {
			finish = p.gate.BeginRequest()
		}
		defer p.sem.Release(1)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		finish(rec.status >= 500)
	})
}

func (p *Pipeline) tokenBucket(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, retryAfterMs := p.limit.Allow(""); !ok {
			kernel.GlobalMetrics().AdmissionDropped.WithLabelValues(string(CodeRateLimited)).Inc()
			WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", retryAfterMs)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) bodyCap(next http.Handler) http.Handler {
	max := p.cfg.MaxBodyBytes
	if max <= 0 {
		max = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > max {
			kernel.GlobalMetrics().AdmissionDropped.WithLabelValues(string(CodePayloadTooLarge)).Inc()
			WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body exceeds configured limit", 0)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, max)
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) decodeGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if enc := r.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
			kernel.GlobalMetrics().AdmissionDropped.WithLabelValues(string(CodeUnsupportedMediaType)).Inc()
			WriteError(w, http.StatusUnsupportedMediaType, CodeUnsupportedMediaType, "stacked or compressed content-encoding not supported", 0)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authLayer verifies a bearer capability when a verifier is wired; a
// nil Auth means the deployment runs capability-free.
func (p *Pipeline) authLayer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.Auth != nil {
			if err := p.Auth(r); err != nil {
				WriteError(w, http.StatusForbidden, CodeForbidden, "capability denied", 0)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// policyLayer runs the rule bundle last, after auth, so default-deny has
// a decision point even for requests that presented no capability.
func (p *Pipeline) policyLayer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.Policy != nil {
			if err := p.Policy(r); err != nil {
				WriteError(w, http.StatusForbidden, CodeForbidden, "denied by policy", 0)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code a handler wrote, for the
// readiness gate's error-rate accounting.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
