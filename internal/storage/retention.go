package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the alert tables.
type RetentionConfig struct {
	AlertsTTL  time.Duration `yaml:"alerts_ttl"`
	SummaryTTL time.Duration `yaml:"summary_ttl"`
}

// DefaultRetentionConfig keeps raw alerts for 90 days and daily counts for a year.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		AlertsTTL:  90 * 24 * time.Hour,
		SummaryTTL: 365 * 24 * time.Hour,
	}
}

// RetentionManager applies and manages data retention policies.
type RetentionManager struct {
	client execSelecter
	config RetentionConfig
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{client: client, config: config}
}

type tablePolicy struct {
	table  string
	column string
	ttl    time.Duration
}

func (r *RetentionManager) policies() []tablePolicy {
	return []tablePolicy{
		{"alerts", "toDateTime(timestamp)", r.config.AlertsTTL},
		{"alerts_by_source", "day", r.config.SummaryTTL},
	}
}

// ttlDays rounds a TTL down to whole days, never below one.
func ttlDays(ttl time.Duration) int {
	days := int(ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days
}

// ApplyTTLs updates TTL settings to match the configured retention periods.
// Call it after migrations have run. A table that rejects the change is
// logged and skipped.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range r.policies() {
		if p.ttl <= 0 {
			continue
		}
		days := ttlDays(p.ttl)

		query := fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL %s + INTERVAL %d DAY DELETE",
			p.table, p.column, days,
		)

		if err := r.client.Exec(ctx, query); err != nil {
			slog.Warn("failed to apply TTL policy",
				"table", p.table,
				"ttl_days", days,
				"error", err,
			)
			continue
		}

		slog.Info("applied retention policy",
			"table", p.table,
			"ttl_days", days,
		)
	}
	return nil
}

// PartitionInfo holds information about a table partition.
type PartitionInfo struct {
	Partition   string    `ch:"partition" json:"partition"`
	Name        string    `ch:"name" json:"name"`
	Rows        uint64    `ch:"rows" json:"rows"`
	BytesOnDisk uint64    `ch:"bytes_on_disk" json:"bytes_on_disk"`
	MinTime     time.Time `ch:"min_time" json:"min_time"`
	MaxTime     time.Time `ch:"max_time" json:"max_time"`
}

// Partitions lists the active partitions of a table.
func (r *RetentionManager) Partitions(ctx context.Context, table string) ([]PartitionInfo, error) {
	var parts []PartitionInfo
	err := r.client.Select(ctx, &parts, `
		SELECT partition, name, rows, bytes_on_disk, min_time, max_time
		FROM system.parts
		WHERE table = ? AND active = 1
		ORDER BY partition
	`, sanitizeIdentifier(table))
	if err != nil {
		return nil, WrapQueryError("Partitions", table, err)
	}
	return parts, nil
}

// DropPartition drops a specific partition from a table.
func (r *RetentionManager) DropPartition(ctx context.Context, table, partition string) error {
	query := fmt.Sprintf("ALTER TABLE %s DROP PARTITION ?", sanitizeIdentifier(table))
	if err := r.client.Exec(ctx, query, partition); err != nil {
		return WrapQueryError("DropPartition", table, err)
	}
	slog.Info("dropped partition", "table", table, "partition", partition)
	return nil
}
