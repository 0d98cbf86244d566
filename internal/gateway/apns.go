package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/db"
)

const (
	APNSProductionEndpoint = "https://api.push.apple.com"
	APNSSandboxEndpoint    = "https://api.sandbox.push.apple.com"
)

// APNSConfig configures the APNs HTTP/2 provider client.
type APNSConfig struct {
	// Endpoint overrides the host chosen by Sandbox.
	Endpoint  string
	Sandbox   bool
	Topic     string
	AuthToken string
	Timeout   time.Duration
}

// APNSGateway talks to the APNs provider API.
type APNSGateway struct {
	client   *http.Client
	endpoint string
	topic    string
	token    string
	logger   *zap.Logger
}

// NewAPNSGateway creates an APNs gateway. The default transport negotiates
// HTTP/2 over TLS.
func NewAPNSGateway(cfg APNSConfig, logger *zap.Logger) *APNSGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = APNSProductionEndpoint
		if cfg.Sandbox {
			endpoint = APNSSandboxEndpoint
		}
	}

	return &APNSGateway{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				ForceAttemptHTTP2:   true,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint: endpoint,
		topic:    cfg.Topic,
		token:    cfg.AuthToken,
		logger:   logger,
	}
}

func (g *APNSGateway) Name() string { return "apns" }

type apnsError struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Submit posts the payload to /3/device/{token}. The token is escaped so a
// malformed one stays inside its path segment.
func (g *APNSGateway) Submit(ctx context.Context, token string, p *Payload) (Result, error) {
	target := g.endpoint + "/3/device/" + url.PathEscape(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(p.Document))
	if err != nil {
		return Result{}, fmt.Errorf("create apns request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-push-type", "alert")
	if g.topic != "" {
		req.Header.Set("apns-topic", g.topic)
	}
	if g.token != "" {
		req.Header.Set("authorization", "bearer "+g.token)
	}
	if p.Priority == db.PriorityNormal {
		req.Header.Set("apns-priority", "5")
	} else {
		req.Header.Set("apns-priority", "10")
	}
	if p.Expiration != nil {
		req.Header.Set("apns-expiration", strconv.FormatInt(p.Expiration.Unix(), 10))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("apns request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode == http.StatusOK {
		id := resp.Header.Get("apns-id")
		g.logger.Debug("apns accepted push",
			zap.String("apns_id", id),
		)
		return Success(id), nil
	}

	var apiErr apnsError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Reason == "" {
		return Failure(fmt.Sprintf("HTTP %d", resp.StatusCode)), nil
	}

	g.logger.Debug("apns rejected push",
		zap.Int("status_code", resp.StatusCode),
		zap.String("reason", apiErr.Reason),
	)
	return Failure(apiErr.Reason), nil
}
