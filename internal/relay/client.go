// Package relay provides the HTTP implementation of the relay client.
package relay

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

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/chainsync/pkg/model"
	"github.com/i5heu/chainsync/pkg/relay"
)

// HTTPClient talks JSON over HTTP to a relay. Transient failures
// (connection errors, 5xx responses) are retried with exponential
// backoff before surfacing as relay.ErrTransport.
type HTTPClient struct {
	base    string
	http    *http.Client
	log     *logrus.Logger
	maxWait time.Duration
}

// ClientConfig configures an HTTPClient.
type ClientConfig struct {
	// Address is the relay base URL, e.g. "https://relay.example.com".
	Address string

	// Timeout bounds a single HTTP request. Defaults to 30s.
	Timeout time.Duration

	// MaxRetryWait bounds the total time spent retrying one call.
	// Defaults to 10s.
	MaxRetryWait time.Duration

	Logger *logrus.Logger
}

// NewHTTPClient creates a relay client for the given base address.
func NewHTTPClient(config ClientConfig) (*HTTPClient, error) {
	if _, err := url.Parse(config.Address); err != nil {
		return nil, fmt.Errorf("parse relay address %q: %w", config.Address, err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetryWait == 0 {
		config.MaxRetryWait = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	return &HTTPClient{
		base:    config.Address,
		http:    &http.Client{Timeout: config.Timeout},
		log:     config.Logger,
		maxWait: config.MaxRetryWait,
	}, nil
}

type countResponse struct {
	Count int64 `json:"count"`
}

type pageResponse struct {
	Records []model.EncryptedRecord `json:"records"`
}

// Count returns the relay's total record count.
func (c *HTTPClient) Count(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/sync/count")
	if err != nil {
		return 0, err
	}

	var resp countResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("%w: decode count response: %v", relay.ErrTransport, err)
	}
	return resp.Count, nil
}

// Page fetches records newer than the (lastSync, after) watermark.
func (c *HTTPClient) Page(ctx context.Context, lastSync, after int64, limit int) ([]model.EncryptedRecord, error) {
	q := url.Values{}
	q.Set("sync_ts", strconv.FormatInt(lastSync, 10))
	q.Set("after_ts", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/sync/page?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp pageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode page response: %v", relay.ErrTransport, err)
	}
	return resp.Records, nil
}

// PostBatch uploads a batch of records.
func (c *HTTPClient) PostBatch(ctx context.Context, recs []model.EncryptedRecord) error {
	payload, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("serialize batch: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/sync/batch", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		return checkStatus(resp.StatusCode)
	}

	if err := c.retry(ctx, op); err != nil {
		return fmt.Errorf("%w: post batch: %v", relay.ErrTransport, err)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := checkStatus(resp.StatusCode); err != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return err
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}

	if err := c.retry(ctx, op); err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", relay.ErrTransport, path, err)
	}
	return body, nil
}

// checkStatus maps 5xx to retryable errors and every other non-2xx to
// permanent ones.
func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return fmt.Errorf("relay returned %d", code)
	default:
		return backoff.Permanent(fmt.Errorf("relay returned %d", code))
	}
}

func (c *HTTPClient) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = c.maxWait

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// Ensure HTTPClient implements the relay client contract.
var _ relay.Client = (*HTTPClient)(nil)
