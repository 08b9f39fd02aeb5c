package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.DeliveryAttempts.WithLabelValues("job.created", "success").Inc()

	srv := httptest.NewServer(PrometheusHandler(reg))
	defer srv.Close()

	res, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `webhook_delivery_attempts_total{event_type="job.created",outcome="success"} 1`) {
		t.Fatalf("expected delivery counter in scrape output:\n%s", body)
	}

	// A second set on a fresh registry must not panic.
	NewMetrics(prometheus.NewRegistry())
}
