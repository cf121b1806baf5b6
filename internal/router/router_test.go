package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_ParamsAndWildcard(t *testing.T) {
	rt := New()
	rt.Get("/v1/functions/:id", func(w http.ResponseWriter, r *http.Request) error {
		w.Write([]byte(Params(r)["id"]))
		return nil
	})
	rt.Get("/v1/assets/*", func(w http.ResponseWriter, r *http.Request) error {
		w.Write([]byte(Params(r)["*"]))
		return nil
	})

	w := httptest.NewRecorder()
	rt.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/functions/sum", nil))
	assert.Equal(t, "sum", w.Body.String())

	w2 := httptest.NewRecorder()
	rt.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/v1/assets/a/b/c.js", nil))
	assert.Equal(t, "a/b/c.js", w2.Body.String())
}

func TestRouter_MethodMismatchIs405(t *testing.T) {
	rt := New()
	rt.Get("/v1/functions/:id", func(w http.ResponseWriter, r *http.Request) error { return nil })

	w := httptest.NewRecorder()
	rt.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/functions/sum", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouter_NoMatchIs404(t *testing.T) {
	rt := New()
	rt.Get("/v1/functions/:id", func(w http.ResponseWriter, r *http.Request) error { return nil })

	w := httptest.NewRecorder()
	rt.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_MiddlewareOrderAndShortCircuit(t *testing.T) {
	rt := New()
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(w http.ResponseWriter, r *http.Request) error {
				order = append(order, name)
				return next(w, r)
			}
		}
	}
	rt.Use(mw("global1"), mw("global2"))
	rt.Get("/x", func(w http.ResponseWriter, r *http.Request) error {
		order = append(order, "handler")
		return nil
	}, mw("route1"))

	rt.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, []string{"global1", "global2", "route1", "handler"}, order)
}

func TestRouter_ShortCircuitSkipsHandler(t *testing.T) {
	rt := New()
	called := false
	rt.Use(func(next Handler) Handler {
		return func(w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusTeapot)
			return nil
		}
	})
	rt.Get("/x", func(w http.ResponseWriter, r *http.Request) error {
		called = true
		return nil
	})

	w := httptest.NewRecorder()
	rt.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.False(t, called)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestRouter_RecoverWritesEnvelope(t *testing.T) {
	rt := New()
	rt.Get("/panics", func(w http.ResponseWriter, r *http.Request) error {
		panic("boom")
	})

	w := httptest.NewRecorder()
	rt.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panics", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "correlationId")
}

func TestRouter_CorrelationIDEchoed(t *testing.T) {
	rt := New()
	rt.Get("/x", func(w http.ResponseWriter, r *http.Request) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)
	require.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestRouter_Group(t *testing.T) {
	rt := New()
	rt.Group("/v1/api", func(g *Router) {
		g.Get("/functions/:id", func(w http.ResponseWriter, r *http.Request) error {
			w.Write([]byte(Params(r)["id"]))
			return nil
		})
	})

	w := httptest.NewRecorder()
	rt.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/api/functions/x", nil))
	assert.Equal(t, "x", w.Body.String())
}
