package postgres

import (
	"context"
	"fmt"
)

// Schema is the DDL for the tables the tracker reads and writes. Dates and
// clock times are stored as ISO text so the slot key compares byte for byte.
const Schema = `
CREATE TABLE IF NOT EXISTS medications (
	id           TEXT PRIMARY KEY,
	patient_id   TEXT NOT NULL,
	name         TEXT NOT NULL,
	dose         TEXT NOT NULL,
	frequency    TEXT NOT NULL,
	times        TEXT[] NOT NULL DEFAULT '{}',
	start_date   TEXT NOT NULL,
	instructions TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS medications_patient_idx ON medications (patient_id, is_active);

CREATE TABLE IF NOT EXISTS medication_administrations (
	id              TEXT PRIMARY KEY,
	medication_id   TEXT NOT NULL REFERENCES medications (id) ON DELETE CASCADE,
	patient_id      TEXT NOT NULL,
	local_date      TEXT NOT NULL,
	local_time      TEXT NOT NULL,
	scheduled_time  TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	administered_at TIMESTAMPTZ,
	administered_by TEXT,
	skip_reason     TEXT,
	notes           TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS medication_administrations_slot_uidx
	ON medication_administrations (medication_id, local_date, local_time);
CREATE INDEX IF NOT EXISTS medication_administrations_patient_idx
	ON medication_administrations (patient_id, local_date);

CREATE TABLE IF NOT EXISTS family_access_grants (
	id            TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	granted_by    TEXT NOT NULL,
	member_name   TEXT NOT NULL,
	relationship  TEXT NOT NULL DEFAULT '',
	permissions   TEXT[] NOT NULL DEFAULT '{}',
	token_hash    TEXT NOT NULL UNIQUE,
	expires_at    TIMESTAMPTZ,
	revoked_at    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS family_access_grants_patient_idx ON family_access_grants (patient_id);

CREATE TABLE IF NOT EXISTS dose_event_outbox (
	id           BIGSERIAL PRIMARY KEY,
	topic        TEXT NOT NULL,
	event_key    TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ,
	retry_count  INT NOT NULL DEFAULT 0,
	last_error   TEXT
);

CREATE INDEX IF NOT EXISTS dose_event_outbox_pending_idx
	ON dose_event_outbox (id) WHERE processed_at IS NULL;
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, db Querier) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
