// Package sqlite persists jobs, campaigns, experts and the cost ledger in an
// embedded sqlite database with WAL journaling.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`
	pragmaBusyTimeout    = `PRAGMA busy_timeout = 5000;`
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		tools TEXT NOT NULL DEFAULT '[]',
		vector_store_ref TEXT NOT NULL DEFAULT '',
		budget_cap REAL NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 3,
		parent_phase_ref TEXT NOT NULL DEFAULT '',
		idem_key TEXT,
		provider_job_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		error_msg TEXT NOT NULL DEFAULT '',
		estimated_cost REAL NOT NULL DEFAULT 0,
		actual_cost REAL NOT NULL DEFAULT 0,
		cost_override INTEGER NOT NULL DEFAULT 0,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		tokens_total INTEGER NOT NULL DEFAULT 0,
		result_ref TEXT NOT NULL DEFAULT '',
		stuck_flagged INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		last_poll_at DATETIME,
		completed_at DATETIME
	);`,
	`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs(status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_idem_idx ON jobs(idem_key) WHERE idem_key IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		budget_cap REAL NOT NULL DEFAULT 0,
		actual_cost REAL NOT NULL DEFAULT 0,
		auto_continue INTEGER NOT NULL DEFAULT 0,
		max_rounds INTEGER NOT NULL DEFAULT 3,
		expert_ref TEXT NOT NULL DEFAULT '',
		gap_ref TEXT NOT NULL DEFAULT '',
		planner_job_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS phases (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		phase_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		phase_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		depends_on TEXT NOT NULL DEFAULT '[]',
		estimated_cost REAL NOT NULL DEFAULT 0,
		job_ref TEXT NOT NULL DEFAULT '',
		context_summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (phase_id) REFERENCES phases(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS experts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		domain TEXT NOT NULL DEFAULT '',
		doc_store_ref TEXT NOT NULL DEFAULT '',
		total_spend REAL NOT NULL DEFAULT 0,
		last_synthesised_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS beliefs (
		id TEXT PRIMARY KEY,
		expert_id TEXT NOT NULL,
		statement TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		sources TEXT NOT NULL DEFAULT '[]',
		superseded_by TEXT,
		job_ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (expert_id) REFERENCES experts(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS gaps (
		id TEXT PRIMARY KEY,
		expert_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 3,
		discovered_at DATETIME NOT NULL,
		filled_by_job TEXT,
		campaign_ref TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (expert_id) REFERENCES experts(id) ON DELETE CASCADE
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS gaps_expert_topic_idx ON gaps(expert_id, lower(topic));`,
	`CREATE TABLE IF NOT EXISTS cost_ledger (
		seq TEXT PRIMARY KEY,
		at DATETIME NOT NULL,
		job_id TEXT NOT NULL,
		amount REAL NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		UNIQUE (job_id, amount)
	);`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		ref TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);`,
}

// Open opens (creating if needed) the database at path and applies pragmas
// and schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.open: %w", err)
	}
	// A single writer keeps transaction semantics simple under WAL.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{pragmaJournalModeWAL, pragmaForeignKeysOn, pragmaBusyTimeout} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("op=sqlite.pragma: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("op=sqlite.migrate: %w", err)
		}
	}
	return db, nil
}
