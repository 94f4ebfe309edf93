// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package changefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/strata-cloud/strata/lib/clock"
	"github.com/strata-cloud/strata/lib/codec"
	"github.com/strata-cloud/strata/lib/ident"
	"github.com/strata-cloud/strata/lib/netutil"
	"github.com/strata-cloud/strata/lib/schema"
)

const (
	defaultReconnectBase  = time.Second
	defaultReconnectLimit = 30 * time.Second
)

// CursorStore persists a follower's position. Save is called only
// after the batch has been handled, which is what makes delivery
// at-least-once.
type CursorStore interface {
	Load(ctx context.Context) (ident.EventID, error)
	Save(ctx context.Context, cursor ident.EventID) error
}

// ClientConfig holds the parameters for creating a Client.
type ClientConfig struct {
	// BaseURL is the control plane's API root, e.g.
	// "http://127.0.0.1:7600".
	BaseURL string

	Cursors CursorStore
	Clock   clock.Clock

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// Scope narrows the subscription server-side.
	Scope Scope

	// ReconnectBase and ReconnectLimit bound the delay between
	// reconnect attempts. Zero means defaults.
	ReconnectBase  time.Duration
	ReconnectLimit time.Duration
}

// Client follows the feed, persisting its cursor and reconnecting with
// backoff when the stream drops.
type Client struct {
	base    string
	cursors CursorStore
	clock   clock.Clock
	http    *http.Client
	logger  *slog.Logger
	scope   Scope
	backoff time.Duration
	limit   time.Duration
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("changefeed: BaseURL is required")
	}
	if cfg.Cursors == nil {
		return nil, fmt.Errorf("changefeed: Cursors is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("changefeed: Clock is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	backoff := cfg.ReconnectBase
	if backoff <= 0 {
		backoff = defaultReconnectBase
	}
	limit := cfg.ReconnectLimit
	if limit <= 0 {
		limit = defaultReconnectLimit
	}
	return &Client{
		base:    cfg.BaseURL,
		cursors: cfg.Cursors,
		clock:   cfg.Clock,
		http:    httpClient,
		logger:  logger,
		scope:   cfg.Scope,
		backoff: backoff,
		limit:   limit,
	}, nil
}

// Follow streams events to handle until ctx ends, reconnecting as
// needed. The cursor is saved after each handled batch; handle must
// tolerate redelivery of the batch in flight when the process crashed
// before the save.
func (c *Client) Follow(ctx context.Context, handle func(ctx context.Context, env schema.Envelope) error) error {
	delay := c.backoff
	for {
		delivered, err := c.streamOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("stream dropped, reconnecting", "delay", delay, "error", err)
		}
		if delivered {
			delay = c.backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}

		delay *= 2
		if delay > c.limit {
			delay = c.limit
		}
	}
}

// streamOnce opens one stream connection and pumps it until it ends.
// Reports whether any batch was delivered.
func (c *Client) streamOnce(ctx context.Context, handle func(ctx context.Context, env schema.Envelope) error) (bool, error) {
	cursor, err := c.cursors.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("changefeed: loading cursor: %w", err)
	}

	endpoint, err := c.endpoint("/v1/changes/stream", cursor)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("changefeed: building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("changefeed: connecting: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("changefeed: stream returned %s: %s", resp.Status, netutil.ErrorBody(resp.Body))
	}

	decompressor, err := zstd.NewReader(resp.Body)
	if err != nil {
		return false, fmt.Errorf("changefeed: creating zstd reader: %w", err)
	}
	defer decompressor.Close()

	decoder := codec.NewDecoder(decompressor)
	delivered := false
	for {
		var batch Batch
		if err := decoder.Decode(&batch); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return delivered, nil
			}
			return delivered, fmt.Errorf("changefeed: decoding frame: %w", err)
		}
		for _, env := range batch.Events {
			if err := handle(ctx, env); err != nil {
				return delivered, fmt.Errorf("changefeed: handling event %d: %w", env.EventID, err)
			}
		}
		if err := c.cursors.Save(ctx, batch.Cursor); err != nil {
			return delivered, fmt.Errorf("changefeed: saving cursor: %w", err)
		}
		delivered = true
	}
}

// Changes fetches one batch via the pull endpoint, starting after the
// persisted cursor. The cursor is saved before returning.
func (c *Client) Changes(ctx context.Context) (Batch, error) {
	cursor, err := c.cursors.Load(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("changefeed: loading cursor: %w", err)
	}
	endpoint, err := c.endpoint("/v1/changes", cursor)
	if err != nil {
		return Batch{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Batch{}, fmt.Errorf("changefeed: building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Batch{}, fmt.Errorf("changefeed: fetching changes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Batch{}, fmt.Errorf("changefeed: changes returned %s: %s", resp.Status, netutil.ErrorBody(resp.Body))
	}

	data, err := netutil.ReadResponse(resp.Body)
	if err != nil {
		return Batch{}, fmt.Errorf("changefeed: reading body: %w", err)
	}
	var batch Batch
	if err := codec.Unmarshal(data, &batch); err != nil {
		return Batch{}, fmt.Errorf("changefeed: decoding batch: %w", err)
	}
	if batch.Cursor > cursor {
		if err := c.cursors.Save(ctx, batch.Cursor); err != nil {
			return Batch{}, fmt.Errorf("changefeed: saving cursor: %w", err)
		}
	}
	return batch, nil
}

func (c *Client) endpoint(path string, cursor ident.EventID) (string, error) {
	base, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("changefeed: invalid base URL: %w", err)
	}
	base.Path = path
	values := c.scope.Values()
	values.Set("cursor", strconv.FormatInt(int64(cursor), 10))
	base.RawQuery = values.Encode()
	return base.String(), nil
}
