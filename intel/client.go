package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// maxResponseBytes caps provider response bodies; anything larger is treated
// as malformed.
const maxResponseBytes = 1 << 20

// httpGetJSON performs one rate-limited, deadline-bounded GET against a
// provider endpoint and decodes the JSON body into out, classifying every
// failure into the intel error taxonomy.
func httpGetJSON(ctx context.Context, provider string, client *http.Client, limiter *rate.Limiter, timeout time.Duration, req *http.Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// waiting on the token bucket counts against the per-call deadline so a
	// lookup never blocks indefinitely behind the limiter
	if err := limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindRateLimited, Provider: provider, Err: err}
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Provider: provider, Err: err}
		}
		return &Error{Kind: KindNetworkError, Provider: provider, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindAuthError, Provider: provider, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Provider: provider, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &Error{Kind: KindNetworkError, Provider: provider, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Provider: provider, Err: err}
		}
		return &Error{Kind: KindNetworkError, Provider: provider, Err: err}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindMalformedResponse, Provider: provider, Err: err}
	}
	return nil
}
