// Package discovery finds a site's schema.org file URLs.
package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config controls discovery behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "schema-crawler/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Discoverer resolves a site to the ordered list of schema file URLs it
// advertises: robots.txt "schemamap:" directives first, then the well-known
// /schema_map.xml location, then the submitted URL itself when it already
// points at a schema map.
type Discoverer struct {
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

// New constructs a Discoverer.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// DiscoverURLs returns the schema file URLs for a site, in schema-map order.
func (d *Discoverer) DiscoverURLs(ctx context.Context, site string) ([]string, error) {
	base, err := normalizeSite(site)
	if err != nil {
		return nil, err
	}

	if mapURLs := d.schemaMapsFromRobots(ctx, base); len(mapURLs) > 0 {
		var urls []string
		for _, mapURL := range mapURLs {
			fileURLs, err := d.fetchSchemaMap(ctx, mapURL, base)
			if err != nil {
				d.logger.Warn("schema map fetch failed",
					zap.String("site", site), zap.String("map_url", mapURL), zap.Error(err))
				continue
			}
			urls = append(urls, fileURLs...)
		}
		if len(urls) > 0 {
			return dedupe(urls), nil
		}
	}

	wellKnown := base.ResolveReference(&url.URL{Path: "/schema_map.xml"}).String()
	if urls, err := d.fetchSchemaMap(ctx, wellKnown, base); err == nil && len(urls) > 0 {
		return dedupe(urls), nil
	}

	// The submitted value may itself be a schema map.
	if strings.HasSuffix(base.Path, "schema_map.xml") {
		if urls, err := d.fetchSchemaMap(ctx, base.String(), base); err == nil && len(urls) > 0 {
			return dedupe(urls), nil
		}
	}

	return nil, fmt.Errorf("no schema files found for %s", site)
}

// schemaMapsFromRobots scans robots.txt for schemamap directives.
func (d *Discoverer) schemaMapsFromRobots(ctx context.Context, base *url.URL) []string {
	robotsURL := base.ResolveReference(&url.URL{Path: "/robots.txt"}).String()
	body, err := d.get(ctx, robotsURL)
	if err != nil {
		return nil
	}

	var mapURLs []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "schemamap:") {
			continue
		}
		_, value, _ := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		resolved, err := base.Parse(value)
		if err != nil {
			continue
		}
		mapURLs = append(mapURLs, resolved.String())
	}
	return mapURLs
}

// schemaMap mirrors the sitemap-style XML layout: <urlset><url
// contentType="structuredData/schema.org+json"><loc>…</loc></url></urlset>.
type schemaMap struct {
	URLs []schemaMapURL `xml:"url"`
}

type schemaMapURL struct {
	ContentType string `xml:"contentType,attr"`
	Loc         string `xml:"loc"`
}

func (d *Discoverer) fetchSchemaMap(ctx context.Context, mapURL string, base *url.URL) ([]string, error) {
	body, err := d.get(ctx, mapURL)
	if err != nil {
		return nil, err
	}

	var parsed schemaMap
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse schema map: %w", err)
	}

	var urls []string
	for _, entry := range parsed.URLs {
		if !strings.Contains(strings.ToLower(entry.ContentType), "schema.org") {
			continue
		}
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			continue
		}
		resolved, err := base.Parse(loc)
		if err != nil {
			continue
		}
		urls = append(urls, resolved.String())
	}
	return urls, nil
}

func (d *Discoverer) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: http %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, nil
}

func normalizeSite(site string) (*url.URL, error) {
	raw := strings.TrimSpace(site)
	if raw == "" {
		return nil, fmt.Errorf("site is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse site %q: %w", site, err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("site %q has no host", site)
	}
	return base, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
