package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered schema history. Append only.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_alerts",
		SQL: `
CREATE TABLE IF NOT EXISTS alerts (
	id          UUID,
	rule        LowCardinality(String),
	type        LowCardinality(String),
	source_id   String,
	description String,
	timestamp   DateTime64(3, 'UTC'),
	count       UInt32,
	window_ms   Int64,
	delay_ms    Int64,
	score       Float64,
	created_at  DateTime DEFAULT now()
)
ENGINE = ReplacingMergeTree(created_at)
PARTITION BY toYYYYMM(timestamp)
ORDER BY (source_id, timestamp, id)`,
	},
	{
		Version: 2,
		Name:    "create_alerts_by_source",
		SQL: `
CREATE TABLE IF NOT EXISTS alerts_by_source (
	day       Date,
	source_id String,
	type      LowCardinality(String),
	alerts    UInt64
)
ENGINE = SummingMergeTree(alerts)
ORDER BY (day, source_id, type);

CREATE MATERIALIZED VIEW IF NOT EXISTS alerts_by_source_mv TO alerts_by_source AS
SELECT
	toDate(timestamp) AS day,
	source_id,
	type,
	count() AS alerts
FROM alerts
GROUP BY day, source_id, type`,
	},
}

// Migrations returns the schema history in version order.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

// execSelecter is the subset of ClickHouseClient the migrator needs.
type execSelecter interface {
	Exec(ctx context.Context, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
}

// Migrator handles database migrations.
type Migrator struct {
	client execSelecter
}

// NewMigrator creates a new Migrator.
func NewMigrator(client *ClickHouseClient) *Migrator {
	return &Migrator{client: client}
}

// Run executes all pending migrations.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			slog.Debug("migration already applied",
				"version", migration.Version,
				"name", migration.Name,
			)
			continue
		}

		slog.Info("applying migration",
			"version", migration.Version,
			"name", migration.Name,
		)

		for _, stmt := range splitStatements(migration.SQL) {
			if err := m.client.Exec(ctx, stmt); err != nil {
				return WrapQueryError("Migrate", migration.Name, err)
			}
		}

		if err := m.client.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(migration.Version), migration.Name,
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	return m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`)
}

type appliedMigration struct {
	Version uint32 `ch:"version"`
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	var rows []appliedMigration
	if err := m.client.Select(ctx, &rows, "SELECT version FROM schema_migrations"); err != nil {
		return nil, err
	}

	applied := make(map[int]bool, len(rows))
	for _, r := range rows {
		applied[int(r.Version)] = true
	}
	return applied, nil
}

// splitStatements splits SQL on semicolons outside of quoted strings and
// drops empty or comment-only statements.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	quote := rune(0)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt == "" || isCommentOnly(stmt) {
			return
		}
		statements = append(statements, stmt)
	}

	for _, char := range sql {
		switch {
		case inString:
			if char == quote {
				inString = false
			}
		case char == '\'' || char == '"':
			inString = true
			quote = char
		case char == ';':
			flush()
			continue
		}
		current.WriteRune(char)
	}
	flush()

	return statements
}

func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
