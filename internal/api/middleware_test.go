package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/savegress/oeetrack/internal/logger"
)

func TestRequestLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.log")
	log, err := logger.New(logger.Config{Level: "info", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	srv := NewServer(nil, nil, nil, nil, log, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"msg":"http request"`, `"path":"/health"`, `"status":200`, `"request_id":"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}
