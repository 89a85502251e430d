package postgresql

// migrations returns the versioned schema for the PostgreSQL persistence
// layer. Entities keep their JSON shape in a data column; columns exist only
// for what the orchestrator filters on.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				pipeline_id TEXT NOT NULL,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				job_id TEXT NOT NULL,
				state TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				worker_id TEXT,
				data JSONB NOT NULL
			);

			CREATE INDEX IF NOT EXISTS executions_run_id_idx ON executions (run_id);
			CREATE INDEX IF NOT EXISTS executions_state_idx ON executions (state);

			CREATE TABLE IF NOT EXISTS workers (
				id TEXT PRIMARY KEY,
				dead BOOLEAN NOT NULL DEFAULT FALSE,
				lease_expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				data JSONB NOT NULL
			);
		`,
	}
}
