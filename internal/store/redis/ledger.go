// Package redis provides a Redis-backed crawl ledger.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

// markCrawledScript adds the URL to the crawled set and bumps the site
// counter in one round trip, so duplicate deliveries never double-count.
var markCrawledScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 then
	redis.call('HINCRBY', KEYS[2], 'crawled_urls', 1)
	redis.call('HSET', KEYS[2], 'last_updated', ARGV[2])
end
return added
`)

// Ledger implements crawler.Ledger on Redis. Site status lives in a hash per
// site, URL sets use native sets, and dead letters are a JSON list.
type Ledger struct {
	client *redis.Client
	prefix string
	clock  crawler.Clock
}

// NewLedger connects a Redis client to the given address.
func NewLedger(addr, password string, db int, prefix string, clock crawler.Clock) *Ledger {
	return &Ledger{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
		clock:  clock,
	}
}

// NewLedgerWithClient wraps an existing client (used by tests).
func NewLedgerWithClient(client *redis.Client, prefix string, clock crawler.Clock) *Ledger {
	return &Ledger{client: client, prefix: prefix, clock: clock}
}

// Close closes the Redis client.
func (l *Ledger) Close() error {
	return l.client.Close()
}

func (l *Ledger) sitesKey() string             { return l.prefix + "sites" }
func (l *Ledger) siteKey(site string) string   { return l.prefix + "site:" + site }
func (l *Ledger) crawledKey(site string) string { return l.prefix + "crawled:" + site }
func (l *Ledger) inFlightKey(site string) string {
	return l.prefix + "inflight:" + site
}
func (l *Ledger) pendingKey(site string) string {
	return l.prefix + "pending:" + site
}
func (l *Ledger) attemptsKey(site string) string {
	return l.prefix + "attempts:" + site
}
func (l *Ledger) deadLetterKey(site string) string {
	return l.prefix + "deadletters:" + site
}

// UpsertSite ensures a status hash exists for the site.
func (l *Ledger) UpsertSite(ctx context.Context, site string) error {
	now := l.clock.Now().UTC().Format(time.RFC3339Nano)
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, l.sitesKey(), site)
	pipe.HSetNX(ctx, l.siteKey(site), "total_urls", 0)
	pipe.HSetNX(ctx, l.siteKey(site), "crawled_urls", 0)
	pipe.HSetNX(ctx, l.siteKey(site), "paused", 0)
	pipe.HSetNX(ctx, l.siteKey(site), "last_updated", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}

// AddTotalURLs moves the discovered-URL counter forward by n.
func (l *Ledger) AddTotalURLs(ctx context.Context, site string, n int64) error {
	if err := l.UpsertSite(ctx, site); err != nil {
		return err
	}
	now := l.clock.Now().UTC().Format(time.RFC3339Nano)
	pipe := l.client.TxPipeline()
	pipe.HIncrBy(ctx, l.siteKey(site), "total_urls", n)
	pipe.HSet(ctx, l.siteKey(site), "last_updated", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add total urls: %w", err)
	}
	return nil
}

// MarkCrawled inserts into the crawled set and increments the crawled
// counter atomically. Returns true on the first insert.
func (l *Ledger) MarkCrawled(ctx context.Context, site, url string) (bool, error) {
	now := l.clock.Now().UTC().Format(time.RFC3339Nano)
	added, err := markCrawledScript.Run(ctx, l.client,
		[]string{l.crawledKey(site), l.siteKey(site)}, url, now).Int()
	if err != nil {
		return false, fmt.Errorf("mark crawled: %w", err)
	}
	return added == 1, nil
}

// IsCrawled reports whether (site, url) completed successfully before.
func (l *Ledger) IsCrawled(ctx context.Context, site, url string) (bool, error) {
	crawled, err := l.client.SIsMember(ctx, l.crawledKey(site), url).Result()
	if err != nil {
		return false, fmt.Errorf("check crawled: %w", err)
	}
	return crawled, nil
}

// MarkInFlight records an outstanding job for (site, url).
func (l *Ledger) MarkInFlight(ctx context.Context, site, url string) (bool, error) {
	added, err := l.client.SAdd(ctx, l.inFlightKey(site), url).Result()
	if err != nil {
		return false, fmt.Errorf("mark in flight: %w", err)
	}
	return added == 1, nil
}

// ClearInFlight removes the marker once the job is terminal.
func (l *Ledger) ClearInFlight(ctx context.Context, site, url string) error {
	if err := l.client.SRem(ctx, l.inFlightKey(site), url).Err(); err != nil {
		return fmt.Errorf("clear in flight: %w", err)
	}
	return nil
}

// BufferPending stores URLs withheld while the site was paused.
func (l *Ledger) BufferPending(ctx context.Context, site string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	members := make([]any, len(urls))
	for i, u := range urls {
		members[i] = u
	}
	if err := l.client.SAdd(ctx, l.pendingKey(site), members...).Err(); err != nil {
		return fmt.Errorf("buffer pending urls: %w", err)
	}
	return nil
}

// TakePending removes and returns the buffered URLs for the site.
func (l *Ledger) TakePending(ctx context.Context, site string) ([]string, error) {
	var urls []string
	for {
		url, err := l.client.SPop(ctx, l.pendingKey(site)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return nil, fmt.Errorf("take pending urls: %w", err)
		}
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls, nil
}

// SetPaused flips the pause flag for the site.
func (l *Ledger) SetPaused(ctx context.Context, site string, paused bool) error {
	known, err := l.client.SIsMember(ctx, l.sitesKey(), site).Result()
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if !known {
		return crawler.ErrSiteNotFound
	}
	flag := 0
	if paused {
		flag = 1
	}
	now := l.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := l.client.HSet(ctx, l.siteKey(site), "paused", flag, "last_updated", now).Err(); err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// IncAttempts advances the processing-failure counter for (site, url).
func (l *Ledger) IncAttempts(ctx context.Context, site, url string) (int, error) {
	attempts, err := l.client.HIncrBy(ctx, l.attemptsKey(site), url, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return int(attempts), nil
}

// RecordDeadLetter appends to the dead-letter log.
func (l *Ledger) RecordDeadLetter(ctx context.Context, dl crawler.DeadLetter) error {
	if dl.At.IsZero() {
		dl.At = l.clock.Now().UTC()
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := l.client.RPush(ctx, l.deadLetterKey(dl.Site), payload).Err(); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the dead-letter log for a site, oldest first.
func (l *Ledger) ListDeadLetters(ctx context.Context, site string) ([]crawler.DeadLetter, error) {
	entries, err := l.client.LRange(ctx, l.deadLetterKey(site), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]crawler.DeadLetter, 0, len(entries))
	for _, entry := range entries {
		var dl crawler.DeadLetter
		if err := json.Unmarshal([]byte(entry), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// GetSite returns the status record for one site.
func (l *Ledger) GetSite(ctx context.Context, site string) (crawler.SiteStatus, error) {
	fields, err := l.client.HGetAll(ctx, l.siteKey(site)).Result()
	if err != nil {
		return crawler.SiteStatus{}, fmt.Errorf("get site: %w", err)
	}
	if len(fields) == 0 {
		return crawler.SiteStatus{}, crawler.ErrSiteNotFound
	}
	return decodeSite(site, fields)
}

// ListSites returns status records for every known site.
func (l *Ledger) ListSites(ctx context.Context) ([]crawler.SiteStatus, error) {
	sites, err := l.client.SMembers(ctx, l.sitesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	sort.Strings(sites)

	out := make([]crawler.SiteStatus, 0, len(sites))
	for _, site := range sites {
		status, err := l.GetSite(ctx, site)
		if err != nil {
			if errors.Is(err, crawler.ErrSiteNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// RemoveSite purges every record associated with the site.
func (l *Ledger) RemoveSite(ctx context.Context, site string) error {
	pipe := l.client.TxPipeline()
	pipe.Del(ctx,
		l.siteKey(site),
		l.crawledKey(site),
		l.inFlightKey(site),
		l.pendingKey(site),
		l.attemptsKey(site),
		l.deadLetterKey(site),
	)
	pipe.SRem(ctx, l.sitesKey(), site)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove site: %w", err)
	}
	return nil
}

func decodeSite(site string, fields map[string]string) (crawler.SiteStatus, error) {
	status := crawler.SiteStatus{Site: site}

	var err error
	if raw, ok := fields["total_urls"]; ok {
		if status.TotalURLs, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return crawler.SiteStatus{}, fmt.Errorf("decode total_urls: %w", err)
		}
	}
	if raw, ok := fields["crawled_urls"]; ok {
		if status.CrawledURLs, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return crawler.SiteStatus{}, fmt.Errorf("decode crawled_urls: %w", err)
		}
	}
	status.Paused = fields["paused"] == "1"
	if raw, ok := fields["last_updated"]; ok && raw != "" {
		if status.LastUpdated, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return crawler.SiteStatus{}, fmt.Errorf("decode last_updated: %w", err)
		}
	}
	return status, nil
}
