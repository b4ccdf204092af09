// Package processor fetches URLs and extracts schema.org structured records.
package processor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

// Config controls fetch behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	MaxBodyBytes  int64
	RespectRobots bool
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "schema-crawler/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 16 << 20
	}
}

// Processor implements crawler.PageProcessor with a Colly collector. The
// base collector is cloned per fetch so concurrent workers never share
// callback state.
type Processor struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Processor.
func New(cfg Config, logger *zap.Logger) *Processor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.MaxBodySize = int(cfg.MaxBodyBytes)
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Processor{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Process fetches the URL and extracts its structured records. Failures are
// classified: HTTP 4xx and unsupported or unparsable content are permanent,
// network errors and HTTP 5xx are transient.
func (p *Processor) Process(ctx context.Context, url string) (crawler.ExtractedContent, error) {
	resp, err := p.fetch(ctx, url)
	if err != nil {
		return crawler.ExtractedContent{}, err
	}

	records, err := p.extract(url, resp.contentType, resp.body)
	if err != nil {
		return crawler.ExtractedContent{}, err
	}

	p.logger.Debug("url processed",
		zap.String("url", url),
		zap.Int("status", resp.statusCode),
		zap.Int("bytes", len(resp.body)),
		zap.Int("records", len(records)),
	)
	return crawler.ExtractedContent{
		URL:         url,
		StatusCode:  resp.statusCode,
		ContentType: resp.contentType,
		Body:        resp.body,
		Records:     records,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

type fetchResult struct {
	statusCode  int
	contentType string
	body        []byte
}

func (p *Processor) fetch(ctx context.Context, url string) (fetchResult, error) {
	var (
		result   fetchResult
		fetchErr error
	)

	collector := p.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		result = fetchResult{
			statusCode:  r.StatusCode,
			contentType: r.Headers.Get("Content-Type"),
			body:        append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.statusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fetchResult{}, crawler.Transient(url, fmt.Errorf("fetch canceled: %w", ctx.Err()))
	case visitErr := <-done:
		if fetchErr == nil {
			fetchErr = visitErr
		}
	}
	if fetchErr != nil {
		return fetchResult{}, classifyFetchError(url, result.statusCode, fetchErr)
	}
	return result, nil
}

// classifyFetchError maps a failed fetch onto the retry taxonomy. A 4xx
// response will fail the same way every delivery, so it is permanent; 5xx
// and anything without a status code (DNS, dial, timeout) may recover.
func classifyFetchError(url string, statusCode int, err error) error {
	if statusCode >= 400 && statusCode < 500 {
		return crawler.Permanent(url, fmt.Errorf("http %d: %w", statusCode, err))
	}
	if statusCode >= 500 {
		return crawler.Transient(url, fmt.Errorf("http %d: %w", statusCode, err))
	}
	return crawler.Transient(url, fmt.Errorf("fetch: %w", err))
}

// extract routes the body to the right parser based on content type, with a
// body sniff as fallback for servers that mislabel their schema maps.
func (p *Processor) extract(url, contentType string, body []byte) ([]crawler.ExtractedRecord, error) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "tsv"):
		return extractTSV(body), nil
	case strings.Contains(ct, "json"):
		records, err := extractJSON(body)
		if err != nil {
			return nil, crawler.Permanent(url, err)
		}
		return records, nil
	case strings.Contains(ct, "html"):
		records, err := extractHTML(body)
		if err != nil {
			return nil, crawler.Permanent(url, err)
		}
		return records, nil
	case looksLikeJSON(body):
		records, err := extractJSON(body)
		if err != nil {
			return nil, crawler.Permanent(url, err)
		}
		return records, nil
	default:
		return nil, crawler.Permanent(url, fmt.Errorf("unsupported content type %q", contentType))
	}
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
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
