// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/z5labs/avconnector/avdoc"
	"github.com/z5labs/avconnector/concurrent"
	"github.com/z5labs/avconnector/internal/try"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 16 << 20

// StatusError is returned when an enrichment service responds with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

// Error implements the [error] interface.
func (e StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.StatusCode, e.URL)
}

// TranslateRequest is the translation service request body.
type TranslateRequest struct {
	Text        string `json:"text"`
	SrcLangCode string `json:"src_lang_code"`
	TgtLangCode string `json:"tgt_lang_code"`
}

type translateResponse struct {
	Translation string `json:"translation"`
}

// SentimentRequest is the sentiment service request body.
type SentimentRequest struct {
	Text string `json:"text"`
}

type sentimentResponse struct {
	Sentiment string `json:"sentiment"`
}

// ExtractRequest is the entity extraction service request body.
type ExtractRequest struct {
	Text      string  `json:"text"`
	Labels    string  `json:"labels"`
	Threshold float64 `json:"threshold"`
	NestedNER bool    `json:"nested_ner"`
}

// NewExtractRequest builds an [ExtractRequest] for the given labels.
func NewExtractRequest(text string, labels []avdoc.EntityKind, threshold float64, nested bool) ExtractRequest {
	ls := make([]string, len(labels))
	for i, l := range labels {
		ls[i] = string(l)
	}
	return ExtractRequest{
		Text:      text,
		Labels:    strings.Join(ls, ", "),
		Threshold: threshold,
		NestedNER: nested,
	}
}

type extractResponse struct {
	Entities []struct {
		Entity string `json:"entity"`
		Word   string `json:"word"`
	} `json:"entities"`
}

// ClientOptions are configurable parameters of a [Client].
type ClientOptions struct {
	httpClient       *http.Client
	timeout          time.Duration
	failureThreshold uint32
	openTimeout      time.Duration
}

// ClientOption sets a value on [ClientOptions].
type ClientOption interface {
	ApplyClientOption(*ClientOptions)
}

type clientOptionFunc func(*ClientOptions)

func (f clientOptionFunc) ApplyClientOption(co *ClientOptions) {
	f(co)
}

// HTTPClient overrides the [http.Client] used for every call.
func HTTPClient(hc *http.Client) ClientOption {
	return clientOptionFunc(func(co *ClientOptions) {
		co.httpClient = hc
	})
}

// Timeout bounds a single call to an enrichment service.
func Timeout(d time.Duration) ClientOption {
	return clientOptionFunc(func(co *ClientOptions) {
		co.timeout = d
	})
}

// BreakAfter opens the circuit of a service after n consecutive failures
// and keeps it open for the given duration.
func BreakAfter(n uint32, open time.Duration) ClientOption {
	return clientOptionFunc(func(co *ClientOptions) {
		co.failureThreshold = n
		co.openTimeout = open
	})
}

// Client calls the translation, sentiment and entity extraction services.
// Calls are never retried. Each service URL sits behind its own circuit breaker.
type Client struct {
	http         *http.Client
	timeout      time.Duration
	sentimentURL string
	extractURL   string

	breakerSettings func(name string) gobreaker.Settings
	breakers        *concurrent.Cache[string, *gobreaker.CircuitBreaker[[]byte]]
}

// NewClient initializes a [Client].
func NewClient(sentimentURL, extractURL string, opts ...ClientOption) *Client {
	co := &ClientOptions{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout:          30 * time.Second,
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt.ApplyClientOption(co)
	}

	return &Client{
		http:         co.httpClient,
		timeout:      co.timeout,
		sentimentURL: sentimentURL,
		extractURL:   extractURL,
		breakerSettings: func(name string) gobreaker.Settings {
			return gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     co.openTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= co.failureThreshold
				},
				IsSuccessful: func(err error) bool {
					return err == nil || errors.Is(err, context.Canceled)
				},
			}
		},
		breakers: concurrent.NewCache[string, *gobreaker.CircuitBreaker[[]byte]](),
	}
}

// Translate calls the translation service at url. An absent translation
// in the response is returned as an empty string.
func (c *Client) Translate(ctx context.Context, url string, req TranslateRequest) (string, error) {
	var resp translateResponse
	err := c.post(ctx, url, req, &resp)
	if err != nil {
		return "", err
	}
	return resp.Translation, nil
}

// AnalyzeSentiment calls the sentiment service. An absent or unknown label
// is returned as [avdoc.Neutral].
func (c *Client) AnalyzeSentiment(ctx context.Context, req SentimentRequest) (avdoc.Sentiment, error) {
	var resp sentimentResponse
	err := c.post(ctx, c.sentimentURL, req, &resp)
	if err != nil {
		return avdoc.Neutral, err
	}
	return avdoc.ParseSentiment(resp.Sentiment), nil
}

// ExtractEntities calls the entity extraction service.
func (c *Client) ExtractEntities(ctx context.Context, req ExtractRequest) ([]avdoc.Entity, error) {
	var resp extractResponse
	err := c.post(ctx, c.extractURL, req, &resp)
	if err != nil {
		return nil, err
	}

	es := make([]avdoc.Entity, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		es = append(es, avdoc.Entity{
			Kind: avdoc.EntityKind(e.Entity),
			Word: e.Word,
		})
	}
	return es, nil
}

func (c *Client) breaker(url string) *gobreaker.CircuitBreaker[[]byte] {
	cb, _ := c.breakers.GetOr(url, func() (*gobreaker.CircuitBreaker[[]byte], error) {
		return gobreaker.NewCircuitBreaker[[]byte](c.breakerSettings(url)), nil
	})
	return cb
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request for %s: %w", ErrEnrichmentFailed, url, err)
	}

	respBody, err := c.breaker(url).Execute(func() ([]byte, error) {
		return c.do(ctx, url, b)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEnrichmentFailed, err)
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		return fmt.Errorf("%w: decode response from %s: %w", ErrEnrichmentFailed, url, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, url string, body []byte) (_ []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer try.Close(&err, resp.Body)

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return b, nil
}
