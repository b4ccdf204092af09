// Package crawler holds the shared domain types and interfaces: the job
// queue contract, the per-site status ledger, the page processor, and the
// indexer used by the scheduler and worker pool.
package crawler
