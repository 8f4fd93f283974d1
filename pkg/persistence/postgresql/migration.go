package postgresql

const activeRunIndex = "ux_runs_active_lead_playbook"

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE playbooks (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255),
				name VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'active', 'paused')),
				steps JSONB NOT NULL DEFAULT '[]',
				variables_schema JSONB,
				version INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_playbooks_tenant_id ON playbooks(tenant_id);

			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255),
				lead_id VARCHAR(255) NOT NULL,
				playbook_id VARCHAR(255) NOT NULL REFERENCES playbooks(id),
				playbook_version INTEGER NOT NULL DEFAULT 1,
				step_index INTEGER NOT NULL DEFAULT 0 CHECK (step_index >= 0),
				status VARCHAR(20) NOT NULL CHECK (status IN ('active', 'paused', 'completed', 'failed')),
				next_due_at TIMESTAMP WITH TIME ZONE,
				last_event_at TIMESTAMP WITH TIME ZONE,
				variant_map JSONB NOT NULL DEFAULT '{}',
				variables JSONB,
				attempt INTEGER NOT NULL DEFAULT 0,
				stop_reason TEXT,
				claim_token VARCHAR(255),
				claim_expires_at TIMESTAMP WITH TIME ZONE,
				playbook_snapshot JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- At most one active run per lead and playbook.
			CREATE UNIQUE INDEX ux_runs_active_lead_playbook ON runs(lead_id, playbook_id) WHERE status = 'active';
			CREATE INDEX idx_runs_due ON runs(next_due_at) WHERE status = 'active';
			CREATE INDEX idx_runs_lead_id ON runs(lead_id);

			CREATE TABLE run_events (
				id VARCHAR(255) PRIMARY KEY,
				run_id VARCHAR(255) NOT NULL REFERENCES runs(id),
				step_index INTEGER NOT NULL,
				variant_id VARCHAR(255),
				action VARCHAR(20) NOT NULL,
				channel VARCHAR(20),
				provider VARCHAR(255),
				outcome VARCHAR(30),
				latency_ms BIGINT NOT NULL DEFAULT 0,
				attempt INTEGER NOT NULL DEFAULT 0,
				dedup_key VARCHAR(255) UNIQUE,
				error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_run_events_run_id ON run_events(run_id, created_at);
		`,
		2: `
			CREATE TABLE jobs (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255),
				kind VARCHAR(20) NOT NULL CHECK (kind IN ('digest', 'alert')),
				name VARCHAR(255) NOT NULL,
				cadence_kind VARCHAR(20) NOT NULL,
				cadence_expression VARCHAR(255),
				active BOOLEAN NOT NULL DEFAULT true,
				config JSONB,
				next_run_at TIMESTAMP WITH TIME ZONE NOT NULL,
				last_run_at TIMESTAMP WITH TIME ZONE,
				claim_token VARCHAR(255),
				claim_expires_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_jobs_due ON jobs(next_run_at) WHERE active;

			CREATE TABLE alert_occurrences (
				id VARCHAR(255) PRIMARY KEY,
				job_id VARCHAR(255) NOT NULL REFERENCES jobs(id),
				fired_at TIMESTAMP WITH TIME ZONE NOT NULL,
				outcome VARCHAR(30) NOT NULL,
				detail JSONB,
				error TEXT
			);

			CREATE INDEX idx_alert_occurrences_job_id ON alert_occurrences(job_id, fired_at);
		`,
	}
}
