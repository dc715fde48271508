package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/gateway/httpclient"
	"github.com/synaptica-ai/publisher/pkg/observability/metrics"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

// Publisher is the narrow contract the pipeline depends on.
type Publisher interface {
	Preview(ctx context.Context, req Request) (*Response, error)
	Post(ctx context.Context, req Request) (*Response, error)
}

type Options struct {
	BaseURL       string
	HeaderTimeout time.Duration
	BodyTimeout   time.Duration
	Retry         httpclient.Backoff
	RateLimitRPS  int

	// Optional client-credentials flow for service-to-service auth.
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
}

type Client struct {
	baseURL       string
	http          *http.Client
	headerTimeout time.Duration
	bodyTimeout   time.Duration
	retry         httpclient.Backoff
	limiter       *rate.Limiter
}

func NewClient(opts Options) *Client {
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = 30 * time.Second
	}
	if opts.BodyTimeout <= 0 {
		opts.BodyTimeout = 60 * time.Second
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = 1
	}

	httpClient := httpclient.New(opts.HeaderTimeout)
	if opts.OAuthTokenURL != "" && opts.OAuthClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     opts.OAuthClientID,
			ClientSecret: opts.OAuthClientSecret,
			TokenURL:     opts.OAuthTokenURL,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = &http.Client{
			Transport: &oauth2.Transport{
				Source: cc.TokenSource(tokenCtx),
				Base:   httpClient.Transport,
			},
		}
	}

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.RateLimitRPS)
	}

	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		http:          httpClient,
		headerTimeout: opts.HeaderTimeout,
		bodyTimeout:   opts.BodyTimeout,
		retry:         opts.Retry,
		limiter:       limiter,
	}
}

func (c *Client) Preview(ctx context.Context, req Request) (*Response, error) {
	return c.call(ctx, "preview", req)
}

func (c *Client) Post(ctx context.Context, req Request) (*Response, error) {
	return c.call(ctx, "post", req)
}

// call returns the envelope for any response that carries one, including
// business rejections on 4xx. Transport failures and envelope-less responses
// surface as *ServiceError; 429 and 5xx are retried per the client backoff.
func (c *Client) call(ctx context.Context, op string, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}
	url := fmt.Sprintf("%s/%s", c.baseURL, op)

	var result *Response
	err = httpclient.Retry(ctx, c.retry, func(attempt int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return httpclient.Permanent(err)
			}
		}
		resp, err := c.roundTrip(ctx, op, url, payload)
		if err != nil {
			return err
		}
		last := attempt >= c.retry.Attempts
		switch {
		case resp.env != nil && (resp.code < 400 || !httpclient.RetriableStatus(resp.code) || last):
			result = resp.env
			return nil
		case httpclient.RetriableStatus(resp.code):
			svcErr := &ServiceError{Operation: op, StatusCode: resp.code, Message: resp.snippet}
			if resp.code == http.StatusTooManyRequests && resp.retryAfter > 0 {
				return httpclient.WithRetryAfter(svcErr, resp.retryAfter)
			}
			return svcErr
		default:
			return httpclient.Permanent(&ServiceError{Operation: op, StatusCode: resp.code, Message: resp.snippet})
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type rawResponse struct {
	code       int
	env        *Response
	snippet    string
	retryAfter time.Duration
}

func (c *Client) roundTrip(ctx context.Context, op, url string, payload []byte) (*rawResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.headerTimeout+c.bodyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, httpclient.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.GatewayRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		logger.Log.WithError(err).WithField("operation", op).Warn("gateway request failed")
		svcErr := &ServiceError{Operation: op, Message: err.Error()}
		if httpclient.IsRetriable(err) && ctx.Err() == nil {
			return nil, svcErr
		}
		return nil, httpclient.Permanent(svcErr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.GatewayRequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		svcErr := &ServiceError{Operation: op, StatusCode: resp.StatusCode, Message: "reading body: " + err.Error()}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, svcErr
		}
		return nil, httpclient.Permanent(svcErr)
	}

	out := &rawResponse{
		code:       resp.StatusCode,
		env:        decodeEnvelope(body),
		snippet:    snippet(body),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if out.env != nil {
		out.env.StatusCode = resp.StatusCode
	}
	return out, nil
}

func decodeEnvelope(body []byte) *Response {
	var probe struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Success == nil {
		return nil
	}
	var env Response
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if !env.Success && env.Error == nil {
		env.Error = &ErrorBody{}
	}
	return &env
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
