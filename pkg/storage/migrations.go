package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the full schema in apply order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(255) NOT NULL,
					is_admin BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_users_email ON users(LOWER(email));
			`,
		},
		{
			Version:     2,
			Description: "Create groups table",
			SQL: `
				CREATE TABLE IF NOT EXISTS groups (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					is_public BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_groups_name ON groups(LOWER(name));
			`,
		},
		{
			Version:     3,
			Description: "Create group_users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS group_users (
					id BIGSERIAL PRIMARY KEY,
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					is_group_admin BOOLEAN NOT NULL DEFAULT FALSE,
					is_application_admin BOOLEAN NOT NULL DEFAULT FALSE,
					is_topic_admin BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(group_id, user_id)
				);

				CREATE INDEX idx_group_users_group_id ON group_users(group_id);
				CREATE INDEX idx_group_users_user_id ON group_users(user_id);
			`,
		},
		{
			Version:     4,
			Description: "Create applications table",
			SQL: `
				CREATE TABLE IF NOT EXISTS applications (
					id BIGSERIAL PRIMARY KEY,
					group_id BIGINT NOT NULL REFERENCES groups(id),
					name VARCHAR(255) NOT NULL,
					description TEXT,
					bind_token_hash VARCHAR(64),
					bind_token_expires_at TIMESTAMP,
					passphrase_hash VARCHAR(255),
					session_epoch BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_applications_group_name ON applications(group_id, LOWER(name));
				CREATE INDEX idx_applications_group_id ON applications(group_id);
				CREATE INDEX idx_applications_bind_token_expires_at ON applications(bind_token_expires_at);
			`,
		},
		{
			Version:     5,
			Description: "Create topics table",
			SQL: `
				CREATE TABLE IF NOT EXISTS topics (
					id BIGSERIAL PRIMARY KEY,
					group_id BIGINT NOT NULL REFERENCES groups(id),
					name VARCHAR(255) NOT NULL,
					kind VARCHAR(1) NOT NULL,
					description TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CONSTRAINT topics_kind_check CHECK (kind IN ('B', 'C'))
				);

				CREATE UNIQUE INDEX idx_topics_group_name ON topics(group_id, LOWER(name));
				CREATE INDEX idx_topics_group_id ON topics(group_id);
			`,
		},
		{
			Version:     6,
			Description: "Create topic_sets tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS topic_sets (
					id BIGSERIAL PRIMARY KEY,
					group_id BIGINT NOT NULL REFERENCES groups(id),
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_topic_sets_group_name ON topic_sets(group_id, LOWER(name));

				CREATE TABLE IF NOT EXISTS topic_set_members (
					topic_set_id BIGINT NOT NULL REFERENCES topic_sets(id) ON DELETE CASCADE,
					topic_id BIGINT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
					PRIMARY KEY(topic_set_id, topic_id)
				);
			`,
		},
		{
			Version:     7,
			Description: "Create action_intervals table",
			SQL: `
				CREATE TABLE IF NOT EXISTS action_intervals (
					id BIGSERIAL PRIMARY KEY,
					group_id BIGINT NOT NULL REFERENCES groups(id),
					name VARCHAR(255) NOT NULL,
					starts_at TIMESTAMP NOT NULL,
					ends_at TIMESTAMP NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_action_intervals_group_name ON action_intervals(group_id, LOWER(name));
			`,
		},
		{
			Version:     8,
			Description: "Create application_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS application_permissions (
					id BIGSERIAL PRIMARY KEY,
					application_id BIGINT NOT NULL REFERENCES applications(id),
					topic_id BIGINT REFERENCES topics(id),
					topic_set_id BIGINT REFERENCES topic_sets(id),
					access VARCHAR(10) NOT NULL,
					action_interval_id BIGINT REFERENCES action_intervals(id),
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CONSTRAINT application_permissions_access_check
						CHECK (access IN ('READ', 'WRITE', 'READ_WRITE')),
					CONSTRAINT application_permissions_target_check
						CHECK ((topic_id IS NULL) <> (topic_set_id IS NULL))
				);

				CREATE UNIQUE INDEX idx_application_permissions_topic
					ON application_permissions(application_id, topic_id, access)
					WHERE topic_id IS NOT NULL;
				CREATE UNIQUE INDEX idx_application_permissions_topic_set
					ON application_permissions(application_id, topic_set_id, access)
					WHERE topic_set_id IS NOT NULL;
				CREATE INDEX idx_application_permissions_application_id
					ON application_permissions(application_id);
			`,
		},
		{
			Version:     9,
			Description: "Create application_artifacts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS application_artifacts (
					application_id BIGINT NOT NULL REFERENCES applications(id),
					kind VARCHAR(32) NOT NULL,
					content_hash VARCHAR(64) NOT NULL,
					payload BYTEA NOT NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY(application_id, kind)
				);
			`,
		},
		{
			Version:     10,
			Description: "Create domain_secrets table",
			SQL: `
				CREATE TABLE IF NOT EXISTS domain_secrets (
					kind VARCHAR(32) PRIMARY KEY,
					pem BYTEA NOT NULL,
					content_hash VARCHAR(64) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
	}
}

// RunMigrations applies all pending migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range GetMigrations() {
		var count int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`,
			migration.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", migration.Version, err)
		}
		if count > 0 {
			continue
		}

		err = WithinTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
				return fmt.Errorf("failed to apply migration %d (%s): %w",
					migration.Version, migration.Description, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
				migration.Version, migration.Description); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}
