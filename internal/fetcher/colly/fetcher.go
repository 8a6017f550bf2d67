// Package collyfetcher implements crawler.Fetcher for the GitHub REST API using gocolly.
package collyfetcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/gitcrawl/internal/crawler"
	"github.com/JakeFAU/gitcrawl/internal/metrics"
)

// DefaultBaseURL is the public GitHub API root.
const DefaultBaseURL = "https://api.github.com"

const acceptHeader = "application/vnd.github+json"

// Config controls collector behavior and credentials.
type Config struct {
	BaseURL   string
	UserAgent string
	// ClientID and ClientSecret authenticate with HTTP basic auth.
	ClientID     string
	ClientSecret string
	// Token, when set, is sent as a bearer token instead of basic auth.
	Token   string
	Timeout time.Duration
	// RequestsPerSecond paces calls client-side. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	base          *url.URL
	authorization string
	limiter       *rate.Limiter
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid github base url %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, errors.New("github requires a user agent")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	f := &Fetcher{
		cfg:           cfg,
		base:          base,
		authorization: authorization(cfg),
		transport:     transport,
		baseCollector: c,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return f, nil
}

// Fetch executes a single GET. Any HTTP status is returned as a response;
// only transport failures are errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for request slot: %w", err)
		}
	}
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(start, &result, &fetchErr)
	target := f.resolve(request)

	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		metrics.ObserveGitHubRequest(request.Label, 0, time.Since(start))
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveGitHubRequest(request.Label, result.StatusCode, result.Duration)
	return result, nil
}

func (f *Fetcher) resolve(request crawler.FetchRequest) string {
	u := *f.base
	u.Path = f.base.Path + "/" + strings.TrimLeft(request.Route, "/")
	if len(request.Params) > 0 {
		u.RawQuery = request.Params.Encode()
	}
	return u.String()
}

func (f *Fetcher) buildCollector(start time.Time, result *crawler.FetchResponse, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.setHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("github fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("github request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("github response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) setHeaders(r *colly.Request) {
	r.Headers.Set("Accept", acceptHeader)
	r.Headers.Set("User-Agent", f.cfg.UserAgent)
	if f.authorization != "" {
		r.Headers.Set("Authorization", f.authorization)
	}
}

func authorization(cfg Config) string {
	if cfg.Token != "" {
		return "Bearer " + cfg.Token
	}
	if cfg.ClientID == "" && cfg.ClientSecret == "" {
		return ""
	}
	creds := base64.StdEncoding.EncodeToString([]byte(cfg.ClientID + ":" + cfg.ClientSecret))
	return "Basic " + creds
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
