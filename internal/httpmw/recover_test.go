package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keithlinneman/quotaguard/internal/log"
)

// spyLogger records Error calls. With returns the spy so calls on child loggers land here too.
type spyLogger struct {
	log.Logger
	mu     sync.Mutex
	errs   []error
	msgs   []string
	withKV [][]any
}

func newSpyLogger() *spyLogger { return &spyLogger{Logger: log.Nop()} }

func (s *spyLogger) With(kv ...any) log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withKV = append(s.withKV, kv)
	return s
}

func (s *spyLogger) Error(_ context.Context, err error, msg string, _ ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	s.msgs = append(s.msgs, msg)
}

func TestRecover_NoPanic(t *testing.T) {
	spy := newSpyLogger()
	h := Recover(spy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(spy.errs) != 0 {
		t.Fatal("nothing should be logged")
	}
}

func TestRecover_Panics(t *testing.T) {
	sentinel := errors.New("store corrupted")
	for name, val := range map[string]any{"string": "boom", "error": sentinel, "int": 42} {
		t.Run(name, func(t *testing.T) {
			spy := newSpyLogger()
			calls := 0
			h := Recover(spy, func() { calls++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(val)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/mutations/check", nil))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if calls != 1 {
				t.Fatalf("onPanic calls = %d", calls)
			}
			if len(spy.errs) != 1 || spy.msgs[0] != "httpserver panic recovered" {
				t.Fatalf("logged = %v %v", spy.msgs, spy.errs)
			}
			if name == "error" && !errors.Is(spy.errs[0], sentinel) {
				t.Fatal("panic error should be kept in the chain")
			}
		})
	}
}

func TestRecover_LogsRequestFields(t *testing.T) {
	spy := newSpyLogger()
	h := Recover(spy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("x") }))
	r := httptest.NewRequest(http.MethodDelete, "/x", nil)
	h.ServeHTTP(httptest.NewRecorder(), r.WithContext(WithRequestID(r.Context(), "rid-1")))

	kv := spy.withKV[0]
	want := []any{"http.request.method", http.MethodDelete, "url.path", "/x", "request_id", "rid-1"}
	for i := range want {
		if kv[i] != want[i] {
			t.Fatalf("With kv = %v", kv)
		}
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	h := Recover(newSpyLogger(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if recover() != http.ErrAbortHandler {
			t.Fatal("ErrAbortHandler should be re-raised")
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRecover_NilLogger(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("x") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}
