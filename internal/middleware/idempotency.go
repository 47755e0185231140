package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prplab/prioritizer/internal/idempotency"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader is set to "true" on responses served from the store.
const ReplayedHeader = "Idempotent-Replayed"

// maxIdempotentBody bounds how much of a request body is read for fingerprinting.
const maxIdempotentBody = 1 << 20

type idempotencyKeyContextKey struct{}

// GetIdempotencyKey returns the key of the request being served, or "".
func GetIdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyContextKey{}).(string)
	return key
}

// capturingWriter passes a response through while keeping a copy for the store.
type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *capturingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *capturingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// IdempotencyMiddleware makes POST requests to routes repeatable. A request carrying
// an Idempotency-Key that already has a stored response gets that response again,
// with ReplayedHeader set and without reaching the handler. Only 2xx responses are
// stored. Reusing a key with a different body is rejected with 422; if the store
// fails the request is served normally.
func IdempotencyMiddleware(store idempotency.Store, routes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || !routes[r.URL.Path] || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				writeJSONError(w, r.Context(), http.StatusBadRequest, "invalid_idempotency_key", err.Error())
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				writeJSONError(w, r.Context(), http.StatusBadRequest, "bad_request", "Failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := idempotency.Fingerprint(body)

			ctx := context.WithValue(r.Context(), idempotencyKeyContextKey{}, key)
			r = r.WithContext(ctx)
			UpdateResponseContext(w, ctx)

			stored, err := store.Get(ctx, key)
			switch {
			case err == nil:
				replay(w, r, stored, fingerprint)
				return
			case !errors.Is(err, idempotency.ErrNotFound):
				slog.ErrorContext(ctx, "idempotency store unavailable, serving request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			cw := &capturingWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)
			if cw.status < 200 || cw.status >= 300 {
				return
			}

			resp := &idempotency.Response{
				Key:         key,
				Route:       r.URL.Path,
				RequestHash: fingerprint,
				StatusCode:  cw.status,
				Body:        cw.body.String(),
				Location:    cw.Header().Get("Location"),
			}
			if err := store.Put(ctx, resp); err != nil {
				slog.ErrorContext(ctx, "failed to store idempotent response", "key", key, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, r *http.Request, stored *idempotency.Response, fingerprint string) {
	if !stored.Answers(fingerprint) {
		writeJSONError(w, r.Context(), http.StatusUnprocessableEntity, "idempotency_key_reused",
			"Idempotency-Key was already used with a different request body")
		return
	}

	slog.InfoContext(r.Context(), "replaying stored response", "key", stored.Key, "status", stored.StatusCode)
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set(ReplayedHeader, "true")
	if stored.Location != "" {
		h.Set("Location", stored.Location)
	}
	w.WriteHeader(stored.StatusCode)
	_, _ = io.WriteString(w, stored.Body)
}
