package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/avast/retry-go"

	"github.com/perfgo/loadrun/runerr"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// StatusError is an unexpected HTTP status returned by the service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap classifies the status: 401 and 403 are auth failures, 429 and 5xx
// are transient, every other status is fatal.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return runerr.ErrAuth
	case e.Code == http.StatusTooManyRequests || e.Code >= 500:
		return runerr.ErrTransient
	default:
		return runerr.ErrFatal
	}
}

func isStatus(err error, match func(code int) bool) bool {
	var se *StatusError
	return errors.As(err, &se) && match(se.Code)
}

func isRetryable(err error) bool {
	return errors.Is(err, runerr.ErrTransient) && !errors.Is(err, runerr.ErrAuth)
}

// withRetry runs fn like retryDo. An OAuth token rejected with 401 is dropped
// and fn is tried once more with a fresh token before the error counts.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	reauthenticated := false
	return c.retryDo(ctx, op, func() error {
		err := fn()
		if err != nil && !reauthenticated && c.invalidateToken(err) {
			reauthenticated = true
			c.logger.Info().
				Str("op", op).
				Msg("Access token rejected, authenticating again")
			err = fn()
		}
		return err
	})
}

// retryDo runs fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done.
func (c *Client) retryDo(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.retry.Attempts),
		retry.Delay(c.retry.InitialDelay),
		retry.MaxDelay(c.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().
				Err(err).
				Str("op", op).
				Uint("attempt", n+1).
				Msg("Request failed, retrying")
		}),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w: %w", op, runerr.ErrCanceled, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// newRequest builds a request for a path relative to the base url. The
// tenant parameter is added to every request.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL.JoinPath(path)
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set(tenantParam, c.tenant)
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w: %w", runerr.ErrFatal, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w: %w", runerr.ErrFatal, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	c.mu.Lock()
	cookie := c.cookie
	c.mu.Unlock()
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: cookie})
	}
	return req, nil
}

// send performs req and returns the response for a 2xx status. Network
// failures are transient.
func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Msg("Sending request")

	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Token refresh failures surface through the transport.
		if errors.Is(err, runerr.ErrAuth) || errors.Is(err, runerr.ErrCanceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", runerr.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method: req.Method,
			Path:   req.URL.Path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

// do performs req and decodes a JSON response into out, if out is not nil.
func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	resp, err := c.send(hc, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("failed to read %s response: %w: %w", req.URL.Path, runerr.ErrTransient, err)
		}
		return fmt.Errorf("failed to decode %s response: %w: %w", req.URL.Path, runerr.ErrFatal, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return c.do(c.api, req, out)
}
