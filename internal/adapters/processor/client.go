package processor

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"staybook/internal/adapters/observability"
	"staybook/internal/domain"
)

// Client talks to the external payment processor's hold API. It implements
// domain.PaymentProcessor. Release treats "already released/canceled" as
// success: the processor may have expired the hold on its own, and retries
// must not fail a transition that already reached its target state.
type Client struct {
	base string
	hc   *http.Client
	key  string
	rl   *rate.Limiter
}

func New(base, key string, rps int) (*Client, error) {
	if key == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: 20 * time.Second},
		key:  key,
		rl:   rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

type holdPayload struct {
	Ref       string    `json:"ref"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) GetHold(ctx context.Context, ref string) (domain.Hold, error) {
	var out holdPayload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/holds/%s", c.base, ref), "get_hold", &out)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return domain.Hold{}, domain.ErrHoldNotFound
		}
		return domain.Hold{}, fmt.Errorf("%w: get hold: %v", domain.ErrProcessor, err)
	}
	return domain.Hold{
		Ref:       out.Ref,
		Status:    domain.HoldStatus(out.Status),
		Amount:    out.Amount,
		CreatedAt: out.CreatedAt,
	}, nil
}

func (c *Client) CaptureHold(ctx context.Context, ref string) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/holds/%s/capture", c.base, ref), "capture_hold", nil)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return domain.ErrHoldNotFound
		}
		return fmt.Errorf("%w: capture hold: %v", domain.ErrProcessor, err)
	}
	return nil
}

func (c *Client) ReleaseHold(ctx context.Context, ref string) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/holds/%s/release", c.base, ref), "release_hold", nil)
	if err != nil {
		// Already released/expired holds report 404 or a conflict body;
		// either way the hold no longer reserves funds, which is the
		// outcome the caller wanted.
		if errors.Is(err, errNotFound) || errors.Is(err, errAlreadyReleased) {
			return nil
		}
		return fmt.Errorf("%w: release hold: %v", domain.ErrProcessor, err)
	}
	return nil
}

// ---- Internals ----

var (
	errNotFound        = errors.New("processor: not found")
	errUnauthorized    = errors.New("processor: unauthorized")
	errAlreadyReleased = errors.New("processor: hold already released")
)

// do performs one API call with client-side rate limiting, retries on 429 and
// transient 5xx honoring Retry-After, and JSON decode into out when non-nil.
func (c *Client) do(ctx context.Context, method, url, endpoint string, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < 4; i++ {
		// build a fresh request each attempt
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(nil))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.key)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "staybook/1.0")

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if i < 3 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr
		}
		observability.ObserveProcessor(endpoint, resp.StatusCode, time.Since(start))

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted:
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return nil
			}
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err

		case http.StatusNoContent:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil

		case http.StatusNotFound, http.StatusGone:
			resp.Body.Close()
			return errNotFound

		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return errUnauthorized

		case http.StatusConflict:
			// The hold API answers 409 with a code when the hold is in a
			// terminal state already.
			var body struct {
				Code string `json:"code"`
			}
			_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
			resp.Body.Close()
			if body.Code == "already_released" || body.Code == "already_canceled" || body.Code == "hold_expired" {
				return errAlreadyReleased
			}
			return fmt.Errorf("conflict: %s", body.Code)

		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			// Prefer server-provided Retry-After; otherwise exponential backoff.
			wait := retryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = backoff(i)
			}
			lastErr = fmt.Errorf("remote %d", resp.StatusCode)
			if i < 3 && sleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
	}

	return lastErr
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff returns an exponential backoff delay with concurrency-safe jitter.
// i = retry attempt (0,1,2,...). Base doubles each attempt (200ms, 400ms, 800ms...),
// with up to +50% random jitter to avoid thundering herds.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	j := time.Duration(0.5 * f * float64(base))
	return base + j
}
