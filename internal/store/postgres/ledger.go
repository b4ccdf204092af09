// Package postgres provides the Postgres-backed crawl ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
)

// pool is the subset of pgxpool.Pool the ledger uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Ledger implements crawler.Ledger on Postgres. Counter updates are single
// statements so concurrent writers from many workers never lose increments,
// and counters never move backwards.
type Ledger struct {
	pool  pool
	clock crawler.Clock
}

// NewLedger connects a pgx pool to the given DSN.
func NewLedger(ctx context.Context, dsn string, clock crawler.Clock) (*Ledger, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &Ledger{pool: p, clock: clock}, nil
}

// NewLedgerWithPool wraps an existing pool (used by tests).
func NewLedgerWithPool(p pool, clock crawler.Clock) *Ledger {
	return &Ledger{pool: p, clock: clock}
}

// Close closes the underlying connection pool.
func (l *Ledger) Close() {
	l.pool.Close()
}

// EnsureSchema creates the ledger tables if they do not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sites (
	site TEXT PRIMARY KEY,
	total_urls BIGINT NOT NULL DEFAULT 0,
	crawled_urls BIGINT NOT NULL DEFAULT 0,
	paused BOOLEAN NOT NULL DEFAULT FALSE,
	last_updated TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS crawled_urls (
	site TEXT NOT NULL,
	url TEXT NOT NULL,
	PRIMARY KEY (site, url)
);
CREATE TABLE IF NOT EXISTS in_flight_urls (
	site TEXT NOT NULL,
	url TEXT NOT NULL,
	PRIMARY KEY (site, url)
);
CREATE TABLE IF NOT EXISTS pending_urls (
	site TEXT NOT NULL,
	url TEXT NOT NULL,
	PRIMARY KEY (site, url)
);
CREATE TABLE IF NOT EXISTS url_attempts (
	site TEXT NOT NULL,
	url TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	PRIMARY KEY (site, url)
);
CREATE TABLE IF NOT EXISTS dead_letters (
	site TEXT NOT NULL,
	url TEXT NOT NULL,
	error TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL
);`
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertSite ensures a status row exists for the site.
func (l *Ledger) UpsertSite(ctx context.Context, site string) error {
	query := `
		INSERT INTO sites (site, last_updated)
		VALUES ($1, $2)
		ON CONFLICT (site) DO NOTHING;
	`
	if _, err := l.pool.Exec(ctx, query, site, l.clock.Now()); err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}

// AddTotalURLs moves the discovered-URL counter forward by n.
func (l *Ledger) AddTotalURLs(ctx context.Context, site string, n int64) error {
	query := `
		INSERT INTO sites (site, total_urls, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (site) DO UPDATE
		SET total_urls = sites.total_urls + EXCLUDED.total_urls,
		    last_updated = EXCLUDED.last_updated;
	`
	if _, err := l.pool.Exec(ctx, query, site, n, l.clock.Now()); err != nil {
		return fmt.Errorf("add total urls: %w", err)
	}
	return nil
}

// MarkCrawled inserts into the crawled set and increments the crawled
// counter, all in one statement so duplicate deliveries cannot double-count.
func (l *Ledger) MarkCrawled(ctx context.Context, site, url string) (bool, error) {
	query := `
		WITH ins AS (
			INSERT INTO crawled_urls (site, url)
			VALUES ($1, $2)
			ON CONFLICT (site, url) DO NOTHING
			RETURNING 1
		), upd AS (
			UPDATE sites
			SET crawled_urls = crawled_urls + (SELECT COUNT(*) FROM ins),
			    last_updated = $3
			WHERE site = $1 AND EXISTS (SELECT 1 FROM ins)
		)
		SELECT EXISTS (SELECT 1 FROM ins);
	`
	var first bool
	if err := l.pool.QueryRow(ctx, query, site, url, l.clock.Now()).Scan(&first); err != nil {
		return false, fmt.Errorf("mark crawled: %w", err)
	}
	return first, nil
}

// IsCrawled reports whether (site, url) completed successfully before.
func (l *Ledger) IsCrawled(ctx context.Context, site, url string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM crawled_urls WHERE site = $1 AND url = $2);`
	var crawled bool
	if err := l.pool.QueryRow(ctx, query, site, url).Scan(&crawled); err != nil {
		return false, fmt.Errorf("check crawled: %w", err)
	}
	return crawled, nil
}

// MarkInFlight records an outstanding job for (site, url).
func (l *Ledger) MarkInFlight(ctx context.Context, site, url string) (bool, error) {
	query := `
		INSERT INTO in_flight_urls (site, url)
		VALUES ($1, $2)
		ON CONFLICT (site, url) DO NOTHING;
	`
	tag, err := l.pool.Exec(ctx, query, site, url)
	if err != nil {
		return false, fmt.Errorf("mark in flight: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearInFlight removes the marker once the job is terminal.
func (l *Ledger) ClearInFlight(ctx context.Context, site, url string) error {
	query := `DELETE FROM in_flight_urls WHERE site = $1 AND url = $2;`
	if _, err := l.pool.Exec(ctx, query, site, url); err != nil {
		return fmt.Errorf("clear in flight: %w", err)
	}
	return nil
}

// BufferPending stores URLs withheld while the site was paused.
func (l *Ledger) BufferPending(ctx context.Context, site string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	query := `
		INSERT INTO pending_urls (site, url)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (site, url) DO NOTHING;
	`
	if _, err := l.pool.Exec(ctx, query, site, urls); err != nil {
		return fmt.Errorf("buffer pending urls: %w", err)
	}
	return nil
}

// TakePending removes and returns the buffered URLs for the site.
func (l *Ledger) TakePending(ctx context.Context, site string) ([]string, error) {
	query := `DELETE FROM pending_urls WHERE site = $1 RETURNING url;`
	rows, err := l.pool.Query(ctx, query, site)
	if err != nil {
		return nil, fmt.Errorf("take pending urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan pending url: %w", err)
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pending urls: %w", err)
	}
	return urls, nil
}

// SetPaused flips the pause flag for the site.
func (l *Ledger) SetPaused(ctx context.Context, site string, paused bool) error {
	query := `UPDATE sites SET paused = $2, last_updated = $3 WHERE site = $1;`
	tag, err := l.pool.Exec(ctx, query, site, paused, l.clock.Now())
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrSiteNotFound
	}
	return nil
}

// IncAttempts advances the processing-failure counter for (site, url).
func (l *Ledger) IncAttempts(ctx context.Context, site, url string) (int, error) {
	query := `
		INSERT INTO url_attempts (site, url, attempts)
		VALUES ($1, $2, 1)
		ON CONFLICT (site, url) DO UPDATE
		SET attempts = url_attempts.attempts + 1
		RETURNING attempts;
	`
	var attempts int
	if err := l.pool.QueryRow(ctx, query, site, url).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// RecordDeadLetter appends to the dead-letter log.
func (l *Ledger) RecordDeadLetter(ctx context.Context, dl crawler.DeadLetter) error {
	query := `INSERT INTO dead_letters (site, url, error, at) VALUES ($1, $2, $3, $4);`
	at := dl.At
	if at.IsZero() {
		at = l.clock.Now()
	}
	if _, err := l.pool.Exec(ctx, query, dl.Site, dl.URL, dl.Error, at); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the dead-letter log for a site, oldest first.
func (l *Ledger) ListDeadLetters(ctx context.Context, site string) ([]crawler.DeadLetter, error) {
	query := `SELECT site, url, error, at FROM dead_letters WHERE site = $1 ORDER BY at;`
	rows, err := l.pool.Query(ctx, query, site)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []crawler.DeadLetter
	for rows.Next() {
		var dl crawler.DeadLetter
		if err := rows.Scan(&dl.Site, &dl.URL, &dl.Error, &dl.At); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	return out, nil
}

// GetSite returns the status record for one site.
func (l *Ledger) GetSite(ctx context.Context, site string) (crawler.SiteStatus, error) {
	query := `SELECT site, total_urls, crawled_urls, paused, last_updated FROM sites WHERE site = $1;`
	var status crawler.SiteStatus
	err := l.pool.QueryRow(ctx, query, site).Scan(
		&status.Site,
		&status.TotalURLs,
		&status.CrawledURLs,
		&status.Paused,
		&status.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.SiteStatus{}, crawler.ErrSiteNotFound
		}
		return crawler.SiteStatus{}, fmt.Errorf("get site: %w", err)
	}
	return status, nil
}

// ListSites returns status records for every known site.
func (l *Ledger) ListSites(ctx context.Context) ([]crawler.SiteStatus, error) {
	query := `SELECT site, total_urls, crawled_urls, paused, last_updated FROM sites ORDER BY site;`
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []crawler.SiteStatus
	for rows.Next() {
		var status crawler.SiteStatus
		if err := rows.Scan(
			&status.Site,
			&status.TotalURLs,
			&status.CrawledURLs,
			&status.Paused,
			&status.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sites: %w", err)
	}
	return out, nil
}

// RemoveSite purges every record associated with the site.
func (l *Ledger) RemoveSite(ctx context.Context, site string) error {
	statements := []string{
		`DELETE FROM crawled_urls WHERE site = $1;`,
		`DELETE FROM in_flight_urls WHERE site = $1;`,
		`DELETE FROM pending_urls WHERE site = $1;`,
		`DELETE FROM url_attempts WHERE site = $1;`,
		`DELETE FROM dead_letters WHERE site = $1;`,
		`DELETE FROM sites WHERE site = $1;`,
	}
	for _, stmt := range statements {
		if _, err := l.pool.Exec(ctx, stmt, site); err != nil {
			return fmt.Errorf("remove site: %w", err)
		}
	}
	return nil
}
