package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertMetrics writes the provided metric definitions in one transaction,
// replacing any existing rows with the same id. Applying the same snapshot
// twice leaves the table unchanged.
func (s *Store) UpsertMetrics(ctx context.Context, metrics []Metric) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	if len(metrics) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, m := range metrics {
			if _, err := tx.ExecContext(ctx, `INSERT INTO metrics (id, name, display_name, kind, unit, sort_order)
                                VALUES (?, ?, ?, ?, ?, ?)
                                ON CONFLICT (id) DO UPDATE SET
                                        name = excluded.name,
                                        display_name = excluded.display_name,
                                        kind = excluded.kind,
                                        unit = excluded.unit,
                                        sort_order = excluded.sort_order`,
				m.ID, m.Name, m.DisplayName, m.Kind, m.Unit, m.SortOrder); err != nil {
				return fmt.Errorf("upsert metric %d: %w", m.ID, err)
			}
		}
		return nil
	})
}

// UpsertOccurrences writes the provided occurrences in one transaction.
// SyncedAt is only written for new rows; a conflicting upsert keeps the
// existing synced_at so the watermark moves through MarkOccurrencesSynced
// alone.
func (s *Store) UpsertOccurrences(ctx context.Context, occurrences []Occurrence) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	if len(occurrences) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, o := range occurrences {
			if _, err := tx.ExecContext(ctx, `INSERT INTO occurrences (id, name, start_time, end_time, category, synced_at)
                                VALUES (?, ?, ?, ?, ?, ?)
                                ON CONFLICT (id) DO UPDATE SET
                                        name = excluded.name,
                                        start_time = excluded.start_time,
                                        end_time = excluded.end_time,
                                        category = excluded.category`,
				o.ID, o.Name, o.StartTime, o.EndTime, o.Category, o.SyncedAt); err != nil {
				return fmt.Errorf("upsert occurrence %d: %w", o.ID, err)
			}
		}
		return nil
	})
}

// MarkOccurrencesSynced stamps the given occurrences with a new synced_at
// in one transaction. Callers record the watermark with it only after a
// sync pass has landed every write it set out to make.
func (s *Store) MarkOccurrencesSynced(ctx context.Context, ids []int64, syncedAt int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE occurrences SET synced_at = ? WHERE id IN (?)`, syncedAt, ids)
	if err != nil {
		return fmt.Errorf("build synced_at update: %w", err)
	}
	query = s.db.Rebind(query)
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark occurrences synced: %w", err)
		}
		return nil
	})
}

// UpsertSamples writes the provided samples in one transaction. The
// (occurrence_id, metric_id) primary key guarantees at most one row per
// pair; a later write for the same pair replaces the earlier value.
func (s *Store) UpsertSamples(ctx context.Context, samples []Sample) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	if len(samples) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, sm := range samples {
			if _, err := tx.ExecContext(ctx, `INSERT INTO samples (occurrence_id, metric_id, numeric_value, text_value, category, modified_at)
                                VALUES (?, ?, ?, ?, ?, ?)
                                ON CONFLICT (occurrence_id, metric_id) DO UPDATE SET
                                        numeric_value = excluded.numeric_value,
                                        text_value = excluded.text_value,
                                        category = excluded.category,
                                        modified_at = excluded.modified_at`,
				sm.OccurrenceID, sm.MetricID, sm.NumericValue, sm.TextValue, sm.Category, sm.ModifiedAt); err != nil {
				return fmt.Errorf("upsert sample (%d, %d): %w", sm.OccurrenceID, sm.MetricID, err)
			}
		}
		return nil
	})
}
