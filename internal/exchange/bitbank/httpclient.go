// Package bitbank implements exchange.Client against the Bitbank public and
// private REST APIs, grounded on the teacher's pkg/http.Client resilience
// pipeline (retry + circuit breaker + OTel instrumentation), adapted to take
// its Telemetry/Metrics dependency by constructor argument instead of
// reaching a package-level global, and to rate-limit with
// golang.org/x/time/rate the way the teacher's order executor throttles
// outbound calls.
package bitbank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"bitbank-trader/internal/telemetry"
)

// Signer signs an outbound request with Bitbank's ACCESS-KEY/ACCESS-NONCE/
// ACCESS-SIGNATURE headers.
type Signer interface {
	SignRequest(req *http.Request, body []byte) error
}

// httpClient wraps http.Client with Bitbank-appropriate resilience: retry on
// transport error or 5xx/429, circuit-break on a 5-of-10 failure ratio, and
// a token-bucket limiter matching Bitbank's published rate limits.
type httpClient struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

func newHTTPClient(baseURL string, timeout time.Duration, signer Signer, tel *telemetry.Telemetry) (*httpClient, error) {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	meter := tel.Meter("bitbank-exchange-client")
	reqCounter, err := meter.Int64Counter("bitbank_http_requests_total", metric.WithDescription("Total Bitbank HTTP requests"))
	if err != nil {
		return nil, err
	}
	errCounter, err := meter.Int64Counter("bitbank_http_errors_total", metric.WithDescription("Total Bitbank HTTP errors"))
	if err != nil {
		return nil, err
	}
	latencyHist, err := meter.Float64Histogram("bitbank_http_request_duration_seconds", metric.WithDescription("Bitbank HTTP request latency"))
	if err != nil {
		return nil, err
	}

	return &httpClient{
		client:      &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		signer:      signer,
		limiter:     rate.NewLimiter(rate.Limit(10), 15),
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		tracer:      tel.Tracer("bitbank-exchange-client"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}, nil
}

func (c *httpClient) get(ctx context.Context, path string, params map[string]string, signed bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	return c.do(req, nil, signed)
}

func (c *httpClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, jsonBody, true)
}

func (c *httpClient) do(req *http.Request, signBody []byte, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	ctx, span := c.tracer.Start(req.Context(), fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(attribute.String("http.method", req.Method), attribute.String("http.url", req.URL.String())))
	defer span.End()
	req = req.WithContext(ctx)

	if signed && c.signer != nil {
		if err := c.signer.SignRequest(req, signBody); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.client.Do(req)
	})

	duration := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("method", req.Method), attribute.String("path", req.URL.Path))
	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, duration, attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("bitbank http error: status=%d body=%s", resp.StatusCode, string(body))
	}

	return body, nil
}
