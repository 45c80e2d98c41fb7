package probe

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"limit-probe/internal/indodax"
)

type stubCaller struct {
	raw *indodax.RawResponse
	err error
}

func (s stubCaller) DoSigned(ctx context.Context, params indodax.Params, signature string) (*indodax.RawResponse, error) {
	return s.raw, s.err
}

func rawWith(status int, body string) *indodax.RawResponse {
	return &indodax.RawResponse{
		StatusCode: status,
		Body:       []byte(body),
		Duration:   3 * time.Millisecond,
	}
}

func TestTransportClassification(t *testing.T) {
	cases := []struct {
		name            string
		caller          stubCaller
		wantOutcome     Outcome
		wantRateLimited bool
	}{
		{
			name:        "transport failure",
			caller:      stubCaller{err: errors.New("dial tcp: connection refused")},
			wantOutcome: OutcomeTransportError,
		},
		{
			name:        "decode failure",
			caller:      stubCaller{raw: rawWith(http.StatusOK, "<html>gateway busy</html>")},
			wantOutcome: OutcomeDecodeError,
		},
		{
			name:        "ok",
			caller:      stubCaller{raw: rawWith(http.StatusOK, `{"success":1,"return":{"order_id":42}}`)},
			wantOutcome: OutcomeOK,
		},
		{
			name:        "application error",
			caller:      stubCaller{raw: rawWith(http.StatusOK, `{"success":0,"error":"Invalid credentials","error_code":"invalid_credentials"}`)},
			wantOutcome: OutcomeAppError,
		},
		{
			name:        "non-200 status",
			caller:      stubCaller{raw: rawWith(http.StatusBadGateway, `{"success":0,"error":"upstream unavailable"}`)},
			wantOutcome: OutcomeAppError,
		},
		{
			name:            "rate limited message",
			caller:          stubCaller{raw: rawWith(http.StatusOK, `{"success":0,"error":"Please Try Again In 5 Seconds, your IP has been throttled"}`)},
			wantOutcome:     OutcomeAppError,
			wantRateLimited: true,
		},
		{
			name:            "rate limited error code",
			caller:          stubCaller{raw: rawWith(http.StatusOK, `{"success":0,"error":"slow down","error_code":"too_many_requests_from_your_ip"}`)},
			wantOutcome:     OutcomeAppError,
			wantRateLimited: true,
		},
	}

	builder := NewBuilder(BuilderConfig{SecretKey: "s"})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport := newHTTPTransport(tc.caller, "")
			req := builder.Build("btc_idr", 5)
			result := transport.Send(context.Background(), req)

			if result.Outcome != tc.wantOutcome {
				t.Fatalf("outcome=%s, want %s", result.Outcome, tc.wantOutcome)
			}
			if result.RateLimited != tc.wantRateLimited {
				t.Fatalf("rate_limited=%v, want %v", result.RateLimited, tc.wantRateLimited)
			}
			if result.Sequence != 5 || result.Pair != "btc_idr" {
				t.Fatalf("identity fields lost: %+v", result)
			}
			if result.FinishedAt.Before(result.IssuedAt) {
				t.Fatalf("completion time %v before issue time %v", result.FinishedAt, result.IssuedAt)
			}
		})
	}
}

func TestTransportCustomMarker(t *testing.T) {
	caller := stubCaller{raw: rawWith(http.StatusOK, `{"success":0,"error":"Request limit exceeded for account"}`)}
	transport := newHTTPTransport(caller, "request LIMIT exceeded")
	result := transport.Send(context.Background(), NewBuilder(BuilderConfig{SecretKey: "s"}).Build("btc_idr", 0))
	if !result.RateLimited {
		t.Fatalf("expected custom marker to match case-insensitively")
	}
}

func TestTransportFailureCarriesErrorText(t *testing.T) {
	caller := stubCaller{err: errors.New("dial tcp: i/o timeout")}
	transport := newHTTPTransport(caller, "")
	result := transport.Send(context.Background(), NewBuilder(BuilderConfig{SecretKey: "s"}).Build("btc_idr", 0))
	if result.Body != "dial tcp: i/o timeout" {
		t.Fatalf("body=%q, want transport error description", result.Body)
	}
	if result.Response != nil {
		t.Fatalf("expected no decoded response on transport failure")
	}
}
