package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStaticResolverPrefersFirstHealthyCandidate(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer alive.Close()

	r := NewStaticResolver([]string{dead.URL, alive.URL}, time.Second)
	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != alive.URL {
		t.Fatalf("got %q, want the healthy candidate %q", got, alive.URL)
	}
}

func TestStaticResolverFallsBackToFirstCandidateWhenNoneHealthy(t *testing.T) {
	r := NewStaticResolver([]string{"http://127.0.0.1:1"}, 50*time.Millisecond)
	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "http://127.0.0.1:1" {
		t.Fatalf("got %q, want fallback to the sole configured candidate", got)
	}
}

func TestStaticResolverFailsWithNoCandidates(t *testing.T) {
	r := NewStaticResolver(nil, time.Second)
	if _, err := r.Resolve(context.Background()); err == nil {
		t.Fatalf("expected a discovery failure with zero candidates")
	}
}

func TestConsulResolverBuildsURLFromFirstPassingInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health/service/sysmon-aggregator" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]consulHealthEntry{
			{Service: struct {
				Address string `json:"Address"`
				Port    int    `json:"Port"`
			}{Address: "10.0.0.5", Port: 8443}},
		})
	}))
	defer srv.Close()

	r := ConsulResolver{ConsulAddr: srv.Listener.Addr().String(), ServiceName: "sysmon-aggregator", Timeout: time.Second}
	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "http://10.0.0.5:8443" {
		t.Fatalf("got %q, want http://10.0.0.5:8443", got)
	}
}

func TestConsulResolverFailsOnEmptyPassingSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]consulHealthEntry{})
	}))
	defer srv.Close()

	r := ConsulResolver{ConsulAddr: srv.Listener.Addr().String(), ServiceName: "sysmon-aggregator", Timeout: time.Second}
	if _, err := r.Resolve(context.Background()); err == nil {
		t.Fatalf("expected discovery failure when consul reports no passing instances")
	}
}

func TestNoneResolverReturnsFixedURL(t *testing.T) {
	r := NoneResolver{URL: "http://aggregator.example:8443"}
	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != r.URL {
		t.Fatalf("got %q, want %q", got, r.URL)
	}
}
