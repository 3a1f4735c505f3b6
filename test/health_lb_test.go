package tests

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestRoundRobinSkipsUnhealthyBackend drives the active prober against one
// healthy and one failing backend: once the failing one trips the unhealthy
// threshold, every request lands on the survivor.
func TestRoundRobinSkipsUnhealthyBackend(t *testing.T) {
	b1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "b1")
	}))
	t.Cleanup(b1.Close)

	// b2 serves traffic but its health endpoint 404s.
	b2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "b2")
	}))
	t.Cleanup(b2.Close)

	gw := startGateway(t, fmt.Sprintf(`
listen_addr: 127.0.0.1:0
health_check:
  enabled: true
  path: /health
  interval_secs: 1
  timeout_secs: 1
  unhealthy_threshold: 2
  healthy_threshold: 2
routes:
  /svc/:
    type: load_balance
    strategy: round_robin
    targets:
      - %s
      - %s
`, b1.URL, b2.URL))

	// Both backends rotate until b2 accumulates enough consecutive failures.
	// Wait past interval*threshold for the flip.
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("b2 never flipped unhealthy")
		}
		bodies := map[string]bool{}
		for i := 0; i < 4; i++ {
			_, body := getBody(t, gw.URL+"/svc/")
			bodies[body] = true
		}
		if len(bodies) == 1 && bodies["b1"] {
			break // converged on the healthy backend
		}
		time.Sleep(200 * time.Millisecond)
	}

	// Four sequential requests now all return b1's body.
	var got []string
	for i := 0; i < 4; i++ {
		_, body := getBody(t, gw.URL+"/svc/")
		got = append(got, body)
	}
	if strings.Join(got, ",") != "b1,b1,b1,b1" {
		t.Fatalf("want only b1 after health flip, got %v", got)
	}
}

func TestRoundRobinRotation(t *testing.T) {
	b1 := upstream(t, "b1")
	b2 := upstream(t, "b2")

	gw := startGateway(t, fmt.Sprintf(`
listen_addr: 127.0.0.1:0
health_check:
  enabled: false
routes:
  /svc/:
    type: load_balance
    strategy: round_robin
    targets:
      - %s
      - %s
`, b1.URL, b2.URL))

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		_, body := getBody(t, gw.URL+"/svc/")
		counts[body]++
	}
	if counts["b1:/svc/"] != 3 || counts["b2:/svc/"] != 3 {
		t.Fatalf("round robin unfair: %v", counts)
	}
}

func TestAllBackendsDownFallsBackToFullSet(t *testing.T) {
	// The only backend is down for probes but up for traffic; fallback keeps
	// requests flowing instead of starving the route.
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "still-here")
	}))
	t.Cleanup(b.Close)

	gw := startGateway(t, fmt.Sprintf(`
listen_addr: 127.0.0.1:0
health_check:
  enabled: true
  path: /health
  interval_secs: 1
  timeout_secs: 1
  unhealthy_threshold: 1
  healthy_threshold: 1
routes:
  /svc/:
    type: load_balance
    strategy: round_robin
    targets:
      - %s
`, b.URL))

	time.Sleep(2500 * time.Millisecond) // let the probe flip it

	status, body := getBody(t, gw.URL+"/svc/")
	if status != http.StatusOK || body != "still-here" {
		t.Fatalf("fallback must still forward: got %d %q", status, body)
	}
}
