// Package collyfetcher fetches crawl requests using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout applies when a request carries none of its own.
	Timeout time.Duration
	// Proxies maps a request's proxy name to a proxy URL.
	Proxies map[string]string
}

// Fetcher executes crawler.Requests with a fresh Colly collector per call.
// Connection pools are shared per proxy.
type Fetcher struct {
	cfg        Config
	transport  http.RoundTripper
	proxied    map[string]http.RoundTripper
	proxyAddrs map[string]string
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Unparseable proxy URLs are a configuration error.
func New(cfg Config) (*Fetcher, error) {
	f := &Fetcher{
		cfg:        cfg,
		transport:  newHTTPTransport(http.ProxyFromEnvironment),
		proxied:    make(map[string]http.RoundTripper, len(cfg.Proxies)),
		proxyAddrs: make(map[string]string, len(cfg.Proxies)),
	}
	for name, raw := range cfg.Proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: proxy %q has invalid url %q", crawler.ErrConfiguration, name, raw)
		}
		f.proxied[name] = newHTTPTransport(http.ProxyURL(u))
		f.proxyAddrs[name] = u.String()
	}
	return f, nil
}

// Fetch executes request. HTTP error statuses are returned as responses;
// transport failures and timeouts are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.Request) (crawler.Response, error) {
	target, err := requestURL(request)
	if err != nil {
		return crawler.Response{}, err
	}
	body, err := crawler.MarshalRequest(request)
	if err != nil {
		return crawler.Response{}, err
	}
	result := crawler.Response{
		URL:         target,
		CrawlerName: request.CrawlerName,
		HTTPRequest: string(body),
	}

	var fetchErr error
	collector, err := f.buildCollector(ctx, request, &result, &fetchErr)
	if err != nil {
		return crawler.Response{}, err
	}
	if err := f.runCollector(ctx, collector, request, target, &fetchErr); err != nil {
		return result, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.Request,
	result *crawler.Response,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots

	timeout := time.Duration(request.Timeout) * time.Second
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	transport := f.transport
	if request.ProxyName != "" {
		proxied, ok := f.proxied[request.ProxyName]
		if !ok {
			return nil, fmt.Errorf("%w: unknown proxy %q", crawler.ErrValidation, request.ProxyName)
		}
		transport = proxied
		result.HTTPProxy = f.proxyAddrs[request.ProxyName]
	}
	collector.WithTransport(transport)

	f.configureCollectorHooks(collector, request, result, fetchErr)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.Request,
	result *crawler.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.URL = r.Request.URL.String()
		result.StatusCode = r.StatusCode
		result.Reason = http.StatusText(r.StatusCode)
		result.HTML = string(r.Body)
		result.Headers = flattenHeaders(r.Headers)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawler.Request,
	target string,
	fetchErr *error,
) error {
	var data io.Reader
	if request.Data != "" {
		data = strings.NewReader(request.Data)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(request.Method, target, data, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.Request, r *colly.Request) {
	for key, v := range request.Headers {
		r.Headers.Set(key, v)
	}
	if len(request.Cookies) == 0 {
		return
	}
	names := make([]string, 0, len(request.Cookies))
	for name := range request.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	cookies := make([]string, 0, len(names))
	for _, name := range names {
		cookies = append(cookies, (&http.Cookie{Name: name, Value: request.Cookies[name]}).String())
	}
	r.Headers.Set("Cookie", strings.Join(cookies, "; "))
}

// requestURL merges request.Params into the query string.
func requestURL(request crawler.Request) (string, error) {
	u, err := url.Parse(request.URL)
	if err != nil {
		return "", fmt.Errorf("%w: parse url %q: %v", crawler.ErrValidation, request.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: url %q is not absolute", crawler.ErrValidation, request.URL)
	}
	if len(request.Params) > 0 {
		q := u.Query()
		for k, v := range request.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func flattenHeaders(h *http.Header) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(*h))
	for key := range *h {
		out[key] = h.Get(key)
	}
	return out
}

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
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
