package hyperliquid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"hyperflow/logger"
	"hyperflow/models"
)

const (
	defaultPollTimeout = 30 * time.Second
	maxInfoBodyBytes   = 16 << 20
	opAssetContexts    = "metaAndAssetCtxs"
)

// PollConfig configures a PollClient. RequestsPerSecond <= 0 disables the
// limiter.
type PollConfig struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// PollClient fetches asset contexts from the info endpoint. It holds no
// state between calls apart from the rate limiter and never retries.
type PollClient struct {
	infoURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewPollClient(cfg PollConfig, log *logger.Log) *PollClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPollTimeout
	}
	if log == nil {
		log = logger.GetLogger()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &PollClient{
		infoURL: strings.TrimRight(cfg.BaseURL, "/") + "/info",
		timeout: cfg.Timeout,
		client: &http.Client{
			Transport: userAgentTransport{agent: cfg.UserAgent, base: http.DefaultTransport},
		},
		limiter: limiter,
		log:     log,
	}
}

// FetchContext returns coin's current funding, mark, oracle and open
// interest. Every failure is a *PollError.
func (p *PollClient) FetchContext(ctx context.Context, coin string) (models.AssetContext, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	fail := func(status int, err error) (models.AssetContext, error) {
		return models.AssetContext{}, &PollError{Op: opAssetContexts, Coin: coin, Status: status, Err: err}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fail(0, err)
		}
	}

	body := []byte(`{"type":"` + opAssetContexts + `"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.infoURL, bytes.NewReader(body))
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoBodyBytes))
	if err != nil {
		return fail(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(payload)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fail(resp.StatusCode, fmt.Errorf("unexpected response: %s", snippet))
	}

	asset, err := decodeMetaAndAssetCtxs(payload, coin, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, errCoinNotFound) {
			err = &DecodeError{Channel: opAssetContexts, Err: err}
		}
		return fail(resp.StatusCode, err)
	}

	logger.IncrementPollRead(len(payload))
	logger.LogPerformanceEntry(p.log.WithComponent("hyperliquid_poll"), "hyperliquid_poll", opAssetContexts, time.Since(start), logger.Fields{"coin": coin})
	return asset, nil
}
