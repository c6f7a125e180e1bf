package kraken

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"kraken-manager/internal/core"
)

// Outcome is the classified result of a single HTTP attempt.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeTransientNetwork  Outcome = "transient_network"
	OutcomeServerUnavailable Outcome = "server_unavailable"
	OutcomeStaleNonce        Outcome = "stale_nonce"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeMalformed         Outcome = "malformed"
	OutcomeRejected          Outcome = "rejected"
	OutcomeCanceled          Outcome = "canceled"
)

// Classify maps an error returned by the client back onto its outcome class.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, core.ErrTransientNetwork):
		return OutcomeCanceled
	case errors.Is(err, core.ErrStaleNonce):
		return OutcomeStaleNonce
	case errors.Is(err, core.ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, core.ErrServerUnavailable):
		return OutcomeServerUnavailable
	case errors.Is(err, core.ErrTransientNetwork):
		return OutcomeTransientNetwork
	case errors.Is(err, core.ErrMalformedResponse):
		return OutcomeMalformed
	default:
		return OutcomeRejected
	}
}

const maxLoggedBody = 256

// send performs one HTTP round trip and returns the raw result of the envelope.
func (c *Client) send(ctx context.Context, req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Join(fmt.Errorf("kraken %s: %w", method, err), core.ErrTransientNetwork)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("kraken %s: read body: %w", method, err), core.ErrTransientNetwork)
	}
	return c.classifyResponse(method, resp.StatusCode, body)
}

func (c *Client) classifyResponse(method string, status int, body []byte) (json.RawMessage, error) {
	if status >= http.StatusInternalServerError {
		return nil, fmt.Errorf("kraken %s: http %d: %w", method, status, core.ErrServerUnavailable)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Error("kraken_malformed_response",
			zap.String("method", method),
			zap.Int("status", status),
			zap.String("body", truncate(body)),
			zap.Error(err))
		return nil, fmt.Errorf("kraken %s: http %d: %w", method, status, core.ErrMalformedResponse)
	}
	var failures []string
	for _, msg := range env.Error {
		msg = strings.TrimSpace(msg)
		switch {
		case strings.HasPrefix(msg, "W"):
			c.logger.Warn("kraken_api_warning", zap.String("method", method), zap.String("message", msg))
		case msg != "":
			failures = append(failures, msg)
		}
	}
	if len(failures) > 0 {
		return nil, classifyAPIError(APIError{Method: method, Messages: failures})
	}
	if status/100 != 2 {
		return nil, errors.Join(fmt.Errorf("kraken %s: http %d: %s", method, status, truncate(body)), core.ErrExchange)
	}
	if len(bytes.TrimSpace(env.Result)) == 0 || bytes.Equal(bytes.TrimSpace(env.Result), []byte("null")) {
		c.logger.Error("kraken_malformed_response",
			zap.String("method", method),
			zap.String("body", truncate(body)),
			zap.String("reason", "missing result"))
		return nil, fmt.Errorf("kraken %s: missing result: %w", method, core.ErrMalformedResponse)
	}
	return env.Result, nil
}

// decodeResult maps the raw result into its typed payload. A shape mismatch
// is a malformed response.
func (c *Client) decodeResult(method string, raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Error("kraken_malformed_response",
			zap.String("method", method),
			zap.String("body", truncate(raw)),
			zap.Error(err))
		return errors.Join(fmt.Errorf("kraken %s: decode result: %w", method, err), core.ErrMalformedResponse)
	}
	return nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "..."
	}
	return s
}
