package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveAppend(ResultOK, time.Millisecond)
	m.Delivered(3)
	m.Evicted()
	m.EventPublished(true)
	m.SessionOpened()
	m.SessionClosed()
	m.SetRooms(2)
	m.Frame("hello")
	m.ObserveHTTP("GET", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatalf("nil metrics returned a registry")
	}
}

func TestRecordingAndExposition(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveAppend(ResultOK, 2*time.Millisecond)
	m.ObserveAppend(ResultOK, 3*time.Millisecond)
	m.ObserveAppend("timeout", time.Second)
	m.Delivered(4)
	m.Evicted()
	m.SetRooms(7)

	if got := testutil.ToFloat64(m.AppendsTotal.WithLabelValues(ResultOK)); got != 2 {
		t.Fatalf("ok appends=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal); got != 4 {
		t.Fatalf("deliveries=%v want 4", got)
	}
	if got := testutil.ToFloat64(m.RoomsActive); got != 7 {
		t.Fatalf("rooms=%v want 7", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `agora_bus_appends_total{result="timeout"} 1`) {
		t.Fatalf("exposition missing append counter:\n%s", body)
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	cases := map[int]string{101: "1xx", 200: "2xx", 304: "3xx", 404: "4xx", 503: "5xx"}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Fatalf("StatusClass(%d)=%q want %q", status, got, want)
		}
	}
}
