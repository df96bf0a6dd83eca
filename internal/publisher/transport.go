package publisher

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sysmonctl/internal/model"
)

// envelopeMetric is one point in the outbound wire format.
type envelopeMetric struct {
	Timestamp  int64   `json:"timestamp"`
	MetricType string  `json:"metric_type"`
	Value      float64 `json:"value"`
	Tags       string  `json:"tags,omitempty"`
}

// envelope is the POST body shape fixed by the aggregator contract.
type envelope struct {
	Hostname string            `json:"hostname"`
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Tags     map[string]string `json:"tags"`
	Metrics  []envelopeMetric  `json:"metrics"`
}

// Transport issues the blocking HTTP POST to the aggregator's metrics
// endpoint. Connect, send, and recv are all bound by the same client
// timeout.
type Transport struct {
	endpointURL string // resolved aggregator base URL, set by discovery
	authToken   string
	hostname    string
	version     string
	platform    string
	hostTags    map[string]string
	client      *http.Client
}

// NewTransport builds a Transport. tlsConfig may be nil for plaintext.
func NewTransport(authToken, hostname, version, platform string, hostTags map[string]string, timeout time.Duration, tlsConfig *tls.Config) *Transport {
	client := &http.Client{Timeout: timeout}
	if tlsConfig != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return &Transport{
		authToken: authToken,
		hostname:  hostname,
		version:   version,
		platform:  platform,
		hostTags:  hostTags,
		client:    client,
	}
}

// SetEndpoint updates the resolved aggregator base URL (set by service
// discovery before the first publish, and again whenever discovery reruns).
func (t *Transport) SetEndpoint(baseURL string) {
	t.endpointURL = baseURL
}

func (t *Transport) Endpoint() string { return t.endpointURL }

// Send POSTs one batch. Success is any status in [200, 300); anything else,
// including a transport-level error, is a model.ErrPublishFailure.
func (t *Transport) Send(ctx context.Context, batch []model.QueuedMetric) error {
	if t.endpointURL == "" {
		return fmt.Errorf("%w: no resolved aggregator endpoint", model.ErrPublishFailure)
	}

	metrics := make([]envelopeMetric, len(batch))
	for i, m := range batch {
		metrics[i] = envelopeMetric{Timestamp: m.Timestamp, MetricType: m.Metric, Value: m.Value, Tags: m.Tags}
	}
	body, err := json.Marshal(envelope{
		Hostname: t.hostname, Version: t.version, Platform: t.platform, Tags: t.hostTags, Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", model.ErrPublishFailure, err)
	}

	url := t.endpointURL + "/api/metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrPublishFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("X-SysMon-Token", t.authToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrPublishFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", model.ErrPublishFailure, resp.StatusCode)
	}
	return nil
}
