package store

import (
	"context"
	"fmt"
	"time"

	"sysmonctl/internal/model"
)

// RollupTo1m averages raw metrics rows into 60-second buckets and upserts
// them into metrics_1m. It only reads buckets strictly older than
// cfg.RollupCutoff1m before the current wall clock, so it never averages a
// bucket that is still being written.
func (s *Store) RollupTo1m(ctx context.Context, now time.Time) (int64, error) {
	cutoffBucket := bucketFloor(now.Add(-s.cfg.RollupCutoff1m).Unix(), 60)
	return s.rollupInto(ctx, "metrics", "metrics_1m", 60, cutoffBucket)
}

// RollupTo1h averages metrics_1m rows into 1-hour buckets and upserts them
// into metrics_1h, under the same strictly-older-than-cutoff discipline.
func (s *Store) RollupTo1h(ctx context.Context, now time.Time) (int64, error) {
	cutoffBucket := bucketFloor(now.Add(-s.cfg.RollupCutoff1h).Unix(), 3600)
	return s.rollupInto(ctx, "metrics_1m", "metrics_1h", 3600, cutoffBucket)
}

func (s *Store) rollupInto(ctx context.Context, sourceTable, destTable string, bucketSeconds, cutoffBucket int64) (int64, error) {
	query := fmt.Sprintf(`SELECT (timestamp / ?) * ? AS bucket, metric_name, host, tags, AVG(value)
		FROM %s WHERE timestamp < ? GROUP BY bucket, metric_name, host, tags`, sourceTable)
	rows, err := s.db.QueryContext(ctx, query, bucketSeconds, bucketSeconds, cutoffBucket)
	if err != nil {
		return 0, fmt.Errorf("%w: rollup select: %v", model.ErrStorageWriteFailure, err)
	}

	type bucketRow struct {
		bucket              int64
		metric, host, tags  string
		avg                 float64
	}
	var batch []bucketRow
	for rows.Next() {
		var r bucketRow
		if err := rows.Scan(&r.bucket, &r.metric, &r.host, &r.tags, &r.avg); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: rollup scan: %v", model.ErrStorageWriteFailure, err)
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	upsert := fmt.Sprintf(`INSERT INTO %s (timestamp, metric_name, host, tags, value) VALUES (?,?,?,?,?)
		ON CONFLICT(timestamp, metric_name, host, tags) DO UPDATE SET value=excluded.value`, destTable)
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx, r.bucket, r.metric, r.host, r.tags, r.avg); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	return int64(len(batch)), nil
}

func bucketFloor(ts, bucketSeconds int64) int64 {
	return (ts / bucketSeconds) * bucketSeconds
}
