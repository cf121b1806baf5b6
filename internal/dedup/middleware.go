package dedup

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/loadstub/gateway/internal/errs"
	"github.com/loadstub/gateway/internal/metrics"
	"github.com/loadstub/gateway/internal/router"
)

// recorder captures a Handler's response so it can be frozen into a
// Snapshot without the peer goroutines racing on the real ResponseWriter.
type recorder struct {
	status  int
	headers http.Header
	body    bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, headers: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.headers }

func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *recorder) WriteHeader(status int) { r.status = status }

func (r *recorder) snapshot() *Snapshot {
	return &Snapshot{
		BodyBytes: append([]byte(nil), r.body.Bytes()...),
		Status:    r.status,
		Headers:   map[string][]string(r.headers.Clone()),
	}
}

// FingerprintFunc derives the dedup fingerprint from a request, typically
// the ":id" route param plus the parsed request body.
type FingerprintFunc func(r *http.Request) (id string, input []byte, err error)

// DefaultFingerprintFunc reads the ":id" path param and the full request
// body (restoring it for the downstream handler) as the fingerprint input.
func DefaultFingerprintFunc(r *http.Request) (string, []byte, error) {
	id := router.Params(r)["id"]
	if r.Body == nil {
		return id, nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return id, body, nil
}

// Middleware wraps invoke-path handlers with dedupOrExecute semantics.
// Only the leader's response is written without X-Deduplicated; every
// waiter's materialized response carries it per spec §4.4.
func Middleware(m *Map, fingerprintOf FingerprintFunc) router.Middleware {
	if fingerprintOf == nil {
		fingerprintOf = DefaultFingerprintFunc
	}
	return func(next router.Handler) router.Handler {
		return func(w http.ResponseWriter, r *http.Request) error {
			id, input, err := fingerprintOf(r)
			if err != nil {
				return errs.Wrap(errs.KindValidation, "could not read request body", err)
			}
			fp := Fingerprint(id, input)

			snap, deduplicated, err := m.Do(r.Context(), fp, func(ctx context.Context) (*Snapshot, error) {
				rec := newRecorder()
				req := r.WithContext(ctx)
				if handlerErr := next(rec, req); handlerErr != nil {
					return nil, handlerErr
				}
				return rec.snapshot(), nil
			})
			if err != nil {
				return err
			}

			for k, vs := range snap.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			if deduplicated {
				w.Header().Set("X-Deduplicated", "true")
				metrics.Global().RecordDedupCoalesced(id)
			}
			status := snap.Status
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			_, werr := w.Write(snap.BodyBytes)
			return werr
		}
	}
}
