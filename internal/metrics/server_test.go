package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_IPFilter(t *testing.T) {
	m := New()
	m.MessagesSentTotal.WithLabelValues("tt_address").Inc()
	s := NewServer(m, "", "", []string{"10.0.0.0/8"}, testLogger())

	tests := []struct {
		name   string
		remote string
		header string
		want   int
	}{
		{"allowed network", "10.1.2.3:5555", "", http.StatusOK},
		{"denied", "192.168.1.1:5555", "", http.StatusForbidden},
		{"forwarded client", "127.0.0.1:5555", "10.9.9.9", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.RemoteAddr = tt.remote
		if tt.header != "" {
			req.Header.Set("X-Real-IP", tt.header)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
		if tt.want == http.StatusOK && !strings.Contains(rec.Body.String(), "newsmail_messages_sent_total") {
			t.Errorf("%s: body does not expose newsmail metrics", tt.name)
		}
	}
}

func TestServer_HealthIsNotFiltered(t *testing.T) {
	s := NewServer(New(), ":0", "/metrics", []string{"10.0.0.0/8"}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.1:5555"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
