package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore is the backend for idempotent replay of mutating
// requests. Check returns the cached response for key if one exists and has
// not expired. Set records a response; overwriting an existing key is
// allowed.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool, error)
	Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) error
}

// MemoryIdempotencyStore caches responses in process memory. Entries
// survive only as long as the process; deployments that must replay across
// restarts use SQLIdempotencyStore.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates an in-memory store whose entries expire
// after ttl, and starts a background sweep of expired entries.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
	}
	go s.sweep()
	return s
}

func (s *MemoryIdempotencyStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool, error) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true, nil
	}
	return nil, false, nil
}

// Set implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, statusCode int, headers http.Header, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	}
	return nil
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the cached response for mutating requests
// that repeat an Idempotency-Key. Keys are scoped to method and path, so
// reusing one key against two endpoints does not cross-replay. Only 2xx
// responses are cached; failures may be retried with the same key. Store
// errors fail open.
func IdempotencyMiddleware(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.Method + " " + r.URL.Path + " " + key

			cached, exists, err := store.Check(r.Context(), scoped)
			if err != nil {
				logger.Warn("api: idempotency check failed, processing normally", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if exists {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				if err := store.Set(r.Context(), scoped, capture.statusCode, w.Header().Clone(), capture.body.Bytes()); err != nil {
					logger.Warn("api: idempotency set failed", "error", err)
				}
			}
		})
	}
}
