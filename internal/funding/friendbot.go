// Package funding asks a test network's friendbot to create and fund an account.
package funding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
)

var (
	ErrFunding       = errors.New("funding: friendbot request failed")
	ErrAlreadyFunded = errors.New("funding: account already funded")
)

type Funder interface {
	Fund(ctx context.Context, friendbotURL, publicKey string) error
}

type Friendbot struct {
	client       *http.Client
	initialDelay time.Duration
	maxDelay     time.Duration
	timeout      time.Duration
}

type Option func(*Friendbot)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Friendbot) { f.client = c }
}

// WithBackoff sets the retry delays between attempts.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(f *Friendbot) {
		f.initialDelay = initial
		f.maxDelay = maxDelay
	}
}

// WithTimeout bounds one Fund call including retries.
func WithTimeout(d time.Duration) Option {
	return func(f *Friendbot) { f.timeout = d }
}

func NewFriendbot(opts ...Option) *Friendbot {
	f := &Friendbot{
		client:       &http.Client{Timeout: 10 * time.Second},
		initialDelay: 500 * time.Millisecond,
		maxDelay:     5 * time.Second,
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fund calls GET <friendbotURL>?addr=<publicKey>. Server errors and network
// failures are retried; a 4xx answer is final.
func (f *Friendbot) Fund(ctx context.Context, friendbotURL, publicKey string) error {
	u, err := url.Parse(strings.TrimSpace(friendbotURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: bad friendbot url %q", ErrFunding, friendbotURL)
	}
	q := u.Query()
	q.Set("addr", publicKey)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cfg := retry.DefaultConfig()
	cfg.InitialDelayBeforeRetrying = f.initialDelay
	cfg.MaxDelayBeforeRetrying = f.maxDelay

	// final carries a non-retryable outcome out of the retry loop.
	var final error
	_, err = retry.Retry(ctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			status, body, err := f.get(ctx, u.String())
			if err != nil {
				return nil, err
			}
			switch {
			case status >= 200 && status < 300:
				final = nil
				return nil, nil
			case status >= 500 || status == http.StatusTooManyRequests:
				return nil, fmt.Errorf("friendbot status %d", status)
			case strings.Contains(body, "op_already_exists") || strings.Contains(body, "createAccountAlreadyExist"):
				final = ErrAlreadyFunded
				return nil, nil
			default:
				final = fmt.Errorf("%w: status %d", ErrFunding, status)
				return nil, nil
			}
		},
		nil,
		"friendbot fund")
	if err != nil {
		log.Warn("friendbot funding failed", "account", publicKey, "error", err)
		return fmt.Errorf("%w: %v", ErrFunding, err)
	}
	if final != nil {
		return final
	}

	log.Info("account funded by friendbot", "account", publicKey)
	return nil
}

func (f *Friendbot) get(ctx context.Context, u string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, string(body), nil
}
