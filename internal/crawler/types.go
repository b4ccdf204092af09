// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// Job is one unit of work: a single URL to fetch and process for a site.
type Job struct {
	ID         string    `json:"job_id"`
	Site       string    `json:"site"`
	URL        string    `json:"url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueueMessage is the transport envelope a queue backend hands to a consumer.
// Receipt is backend-specific lease state and must be passed back unchanged
// to Ack, Nack, and ExtendLease. DeliveryCount and EnqueuedAt are best-effort
// depending on the backend.
type QueueMessage struct {
	Job           Job
	Receipt       any
	DeliveryCount int
	EnqueuedAt    time.Time
}

// SiteStatus is the durable per-site progress record.
// TotalURLs and CrawledURLs only move forward; during incremental discovery
// CrawledURLs may transiently exceed TotalURLs and readers must tolerate it.
type SiteStatus struct {
	Site        string    `json:"site"`
	TotalURLs   int64     `json:"total_urls"`
	CrawledURLs int64     `json:"crawled_urls"`
	Paused      bool      `json:"paused"`
	LastUpdated time.Time `json:"last_updated"`
}

// DeadLetter records a job that permanently failed or exhausted its retries.
type DeadLetter struct {
	Site  string    `json:"site"`
	URL   string    `json:"url"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// ExtractedRecord is one structured (schema.org) object pulled out of a page.
type ExtractedRecord struct {
	ID       string         `json:"@id"`
	Type     string         `json:"@type,omitempty"`
	Document map[string]any `json:"document"`
}

// ExtractedContent is what the page processor returns for one URL.
type ExtractedContent struct {
	URL         string            `json:"url"`
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type"`
	Body        []byte            `json:"-"`
	Records     []ExtractedRecord `json:"records"`
	FetchedAt   time.Time         `json:"fetched_at"`
}
