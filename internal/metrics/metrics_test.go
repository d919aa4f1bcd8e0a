package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

// sensitiveMarkers mirrors spec.md §8 property 6's examples of content
// that must never appear in /metrics output.
var sensitiveMarkers = []string{
	"TOP-SECRET:",
	"4111-1111-1111-1111",
	"super secret ciphertext payload",
}

func TestHandlerOutputContainsNoSensitiveMarkers(t *testing.T) {
	m := New()
	m.MessagesIngested.Inc()
	m.CacheHits.WithLabelValues("near").Inc()
	m.RateLimitRejections.WithLabelValues("send").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, marker := range sensitiveMarkers {
		if strings.Contains(body, marker) {
			t.Fatalf("/metrics output contains sensitive marker %q", marker)
		}
	}
}

func TestHandlerExposesRegisteredCounters(t *testing.T) {
	m := New()
	m.MessagesIngested.Inc()
	m.MessagesIngested.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "relaywire_messages_ingested_total 2") {
		t.Fatalf("expected relaywire_messages_ingested_total to report 2, got body:\n%s", body)
	}
}

func TestNewRegistryIsIndependentPerInstance(t *testing.T) {
	a := New()
	b := New()
	a.MessagesIngested.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), "relaywire_messages_ingested_total 1") {
		t.Fatal("expected independent registries: instance b should not see instance a's counter value")
	}
}
