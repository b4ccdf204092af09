// Package indexer persists extracted records and publishes completion events.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schema-crawler/internal/crawler"
	"github.com/JakeFAU/schema-crawler/internal/hash/sha256"
)

// Config controls where records land and where events go.
type Config struct {
	// BlobPrefix is the path prefix for persisted records.
	BlobPrefix string
	// Topic is the completion-event topic. Empty disables publishing.
	Topic string
}

// Indexer implements crawler.Indexer: each extracted record becomes one JSON
// object in the blob store, then a completion event is published. Any
// failure surfaces as an error so the caller retries the whole job.
type Indexer struct {
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	hasher    *sha256.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Indexer.
func New(
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		blobs:     blobs,
		publisher: publisher,
		hasher:    sha256.New(),
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Index persists every record from one processed page and publishes a
// completion event.
func (ix *Indexer) Index(ctx context.Context, site string, content crawler.ExtractedContent) error {
	uris := make([]string, 0, len(content.Records))
	for _, record := range content.Records {
		data, err := json.Marshal(record.Document)
		if err != nil {
			return fmt.Errorf("marshal record %q: %w", record.ID, err)
		}
		path, err := ix.recordPath(site, record.ID)
		if err != nil {
			return err
		}
		uri, err := ix.blobs.PutObject(ctx, path, "application/json", strings.NewReader(string(data)))
		if err != nil {
			return fmt.Errorf("persist record %q: %w", record.ID, err)
		}
		uris = append(uris, uri)
	}

	if err := ix.publishEvent(ctx, site, content, uris); err != nil {
		return err
	}

	ix.logger.Debug("page indexed",
		zap.String("site", site),
		zap.String("url", content.URL),
		zap.Int("records", len(content.Records)),
	)
	return nil
}

// Purge removes every record persisted for the site.
func (ix *Indexer) Purge(ctx context.Context, site string) error {
	if err := ix.blobs.DeletePrefix(ctx, ix.sitePrefix(site)); err != nil {
		return fmt.Errorf("purge site %q: %w", site, err)
	}
	ix.logger.Info("site purged from index", zap.String("site", site))
	return nil
}

func (ix *Indexer) publishEvent(ctx context.Context, site string, content crawler.ExtractedContent, uris []string) error {
	if ix.publisher == nil || ix.cfg.Topic == "" {
		return nil
	}
	payload := map[string]any{
		"site":      site,
		"url":       content.URL,
		"records":   len(content.Records),
		"blob_uris": uris,
		"timestamp": ix.clock.Now().Format(time.RFC3339),
	}
	if _, err := ix.publisher.Publish(ctx, ix.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	return nil
}

func (ix *Indexer) sitePrefix(site string) string {
	prefix := strings.Trim(ix.cfg.BlobPrefix, "/")
	if prefix == "" {
		return site
	}
	return prefix + "/" + site
}

// recordPath derives a stable object path from the record's @id, which can
// contain arbitrary URL characters.
func (ix *Indexer) recordPath(site, recordID string) (string, error) {
	digest, err := ix.hasher.Hash([]byte(recordID))
	if err != nil {
		return "", fmt.Errorf("hash record id: %w", err)
	}
	return fmt.Sprintf("%s/%s.json", ix.sitePrefix(site), digest), nil
}
