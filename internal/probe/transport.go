package probe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"limit-probe/internal/indodax"
)

// Transport performs one network call for a built request and normalizes the
// outcome. Implementations must be safe for concurrent use by multiple
// channel schedulers.
type Transport interface {
	Send(ctx context.Context, req ProbeRequest) ProbeResult
}

type signedCaller interface {
	DoSigned(ctx context.Context, params indodax.Params, signature string) (*indodax.RawResponse, error)
}

// HTTPTransport sends probe requests through an indodax.Client and classifies
// each response. It never retries: pacing decisions belong to the scheduler.
type HTTPTransport struct {
	caller signedCaller
	marker string
}

func NewHTTPTransport(client *indodax.Client, marker string) *HTTPTransport {
	return newHTTPTransport(client, marker)
}

func newHTTPTransport(caller signedCaller, marker string) *HTTPTransport {
	if strings.TrimSpace(marker) == "" {
		marker = DefaultRateLimitMarker
	}
	return &HTTPTransport{
		caller: caller,
		marker: strings.ToLower(marker),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, req ProbeRequest) ProbeResult {
	issued := time.Now()
	raw, err := t.caller.DoSigned(ctx, req.Params, req.Signature)
	finished := time.Now()

	result := ProbeResult{
		Sequence:   req.Sequence,
		Pair:       req.Pair,
		IssuedAt:   issued,
		FinishedAt: finished,
		Duration:   finished.Sub(issued),
	}

	if err != nil {
		result.Outcome = OutcomeTransportError
		result.Body = err.Error()
		if raw != nil {
			result.StatusCode = raw.StatusCode
		}
		return result
	}

	result.StatusCode = raw.StatusCode
	result.Body = string(raw.Body)

	decoded, ok := indodax.ParseAPIResponse(raw.Body)
	if !ok {
		result.Outcome = OutcomeDecodeError
		return result
	}
	result.Response = &decoded
	result.RateLimited = t.matchesMarker(decoded)

	if raw.StatusCode == http.StatusOK && !decoded.IsError() {
		result.Outcome = OutcomeOK
		return result
	}
	result.Outcome = OutcomeAppError
	return result
}

// matchesMarker checks both the error message and the error code: the remote
// side signals throttling through either field depending on the endpoint.
func (t *HTTPTransport) matchesMarker(resp indodax.APIResponse) bool {
	if resp.Error != "" && strings.Contains(strings.ToLower(resp.Error), t.marker) {
		return true
	}
	if resp.ErrorCode != "" && strings.Contains(strings.ToLower(resp.ErrorCode), rateLimitCodeMarker) {
		return true
	}
	return false
}

// rateLimitCodeMarker matches the stable error code variant,
// "too_many_requests_from_your_ip" and relatives.
const rateLimitCodeMarker = "too_many_requests"
