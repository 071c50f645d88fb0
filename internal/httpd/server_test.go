package httpd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kit-ibpt/vinegar/internal/handler"
	"github.com/kit-ibpt/vinegar/internal/verror"
)

// stubHandler is a single-stage fake pipeline member: fixed CanHandle
// answer, fixed Handle result.
type stubHandler struct {
	name      string
	canHandle bool
	resp      *handler.Response
	err       error
}

func (h *stubHandler) Name() string                  { return h.name }
func (h *stubHandler) CanHandle(req *handler.Request) bool { return h.canHandle }
func (h *stubHandler) Handle(ctx context.Context, req *handler.Request) (*handler.Response, error) {
	return h.resp, h.err
}

func TestServeHTTPReturnsNotFoundWhenNoHandlerClaims(t *testing.T) {
	s := New(Config{}, []handler.Handler{&stubHandler{name: "never", canHandle: false}}, nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/unclaimed", nil)
	s.serveHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeHTTPStreamsBodyResponse(t *testing.T) {
	h := &stubHandler{name: "boot", canHandle: true, resp: &handler.Response{Body: []byte("hello")}}
	s := New(Config{}, []handler.Handler{h}, nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/boot/host", nil)
	s.serveHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}

func TestServeHTTPStreamsFileResponse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grub.cfg")
	require.NoError(t, os.WriteFile(path, []byte("menu entry"), 0o644))

	h := &stubHandler{name: "file", canHandle: true, resp: &handler.Response{FilePath: path}}
	s := New(Config{}, []handler.Handler{h}, nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/grub.cfg", nil)
	s.serveHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "menu entry", w.Body.String())
}

func TestServeHTTPNoBodyResponseIs204(t *testing.T) {
	h := &stubHandler{name: "update", canHandle: true, resp: &handler.Response{NoBody: true}}
	s := New(Config{}, []handler.Handler{h}, nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/update/host", nil)
	s.serveHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestServeHTTPMapsErrorTaxonomyToStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &verror.NotFound{Path: "/x"}, http.StatusNotFound},
		{"lookup miss", &verror.LookupError{Value: "v"}, http.StatusNotFound},
		{"access denied", &verror.AccessDenied{Client: "1.2.3.4"}, http.StatusForbidden},
		{"bad request", &verror.ProtocolError{Detail: "bad"}, http.StatusBadRequest},
		{"internal error", assertErr{}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &stubHandler{name: "x", canHandle: true, err: tc.err}
			s := New(Config{}, []handler.Handler{h}, nil)
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/x", nil)
			s.serveHTTP(w, r)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestServeHTTPRejectsOverRateLimit(t *testing.T) {
	h := &stubHandler{name: "x", canHandle: true, resp: &handler.Response{NoBody: true}}
	s := New(Config{RequestsPerSecond: 1}, []handler.Handler{h}, nil)

	w1 := httptest.NewRecorder()
	s.serveHTTP(w1, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w1.Code)

	w2 := httptest.NewRecorder()
	s.serveHTTP(w2, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}
