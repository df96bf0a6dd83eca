// Package store implements the Time-Series Store: a sqlite-backed,
// WAL-mode, batched-write persistence layer for sample points, with
// range queries, retention sweeps, and tiered rollups. The open/migrate
// idiom and "NORMAL" synchronous durability setting are grounded on the
// pack's dashi db package; batching and the degraded-on-corruption
// handle are new, built for the agent's write-heavy sampling workload.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sysmonctl/internal/model"
)

// SchemaVersion is the version this binary's migrations bring a fresh or
// existing database up to. Open refuses a database recorded above this.
const SchemaVersion = 1

// HardCapPoints bounds the in-memory batch regardless of configured
// BatchSize; writes beyond it fail with model.ErrBufferFull without
// mutating the batch.
const HardCapPoints = 10000

// Config controls batching and file placement.
type Config struct {
	Path            string
	BatchSize       int           // flush trigger: batch length
	FlushInterval   time.Duration // flush trigger: time since last flush
	RollupCutoff1m  time.Duration // 1m rollup only reads buckets older than this
	RollupCutoff1h  time.Duration
	Retention1mDays int
	Retention1hDays int
}

// Store is the Time-Series Store's handle. Safe for concurrent use: one
// writer mutex serializes flushes, sqlite's WAL mode lets readers proceed
// without blocking on it.
type Store struct {
	db  *sql.DB
	cfg Config
	log *slog.Logger

	writeMu   sync.Mutex
	batch     []model.Sample
	lastFlush time.Time

	degradedMu sync.RWMutex
	degraded   bool

	flushFailures atomic.Int64
}

// Open creates or migrates the database at cfg.Path and returns a ready
// Store. Open failure is fatal at construction per the error design.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.RollupCutoff1m <= 0 {
		cfg.RollupCutoff1m = 2 * time.Minute
	}
	if cfg.RollupCutoff1h <= 0 {
		cfg.RollupCutoff1h = 2 * time.Hour
	}
	if cfg.Retention1mDays <= 0 {
		cfg.Retention1mDays = 30
	}
	if cfg.Retention1hDays <= 0 {
		cfg.Retention1hDays = 365
	}
	if log == nil {
		log = slog.Default()
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: mkdir data dir: %v", model.ErrStorageOpenFailure, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageOpenFailure, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", model.ErrStorageOpenFailure, err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", model.ErrStorageOpenFailure, err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With("module", "store"), lastFlush: time.Now()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var recorded int
	row := s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	if err := row.Scan(&recorded); err != nil && err != sql.ErrNoRows {
		// schema_version table does not exist yet; treat as fresh database.
	}
	if recorded > SchemaVersion {
		return fmt.Errorf("%w: database schema version %d newer than code version %d", model.ErrStorageOpenFailure, recorded, SchemaVersion)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			timestamp INTEGER NOT NULL,
			metric_name TEXT NOT NULL,
			host TEXT NOT NULL,
			tags TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY(timestamp, metric_name, host, tags)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics(metric_name, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics(timestamp);`,
		`CREATE TABLE IF NOT EXISTS metrics_1m (
			timestamp INTEGER NOT NULL,
			metric_name TEXT NOT NULL,
			host TEXT NOT NULL,
			tags TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY(timestamp, metric_name, host, tags)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_1m_name_ts ON metrics_1m(metric_name, timestamp);`,
		`CREATE TABLE IF NOT EXISTS metrics_1h (
			timestamp INTEGER NOT NULL,
			metric_name TEXT NOT NULL,
			host TEXT NOT NULL,
			tags TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY(timestamp, metric_name, host, tags)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_1h_name_ts ON metrics_1h(metric_name, timestamp);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", model.ErrStorageOpenFailure, err)
		}
	}
	_, err := s.db.Exec(`INSERT INTO schema_version(version, applied_at) SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM schema_version WHERE version = ?)`,
		SchemaVersion, time.Now().Unix(), SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: recording schema version: %v", model.ErrStorageOpenFailure, err)
	}
	return nil
}

// Close flushes any pending batch and closes the handle.
func (s *Store) Close() error {
	_ = s.Flush(context.Background())
	return s.db.Close()
}

func (s *Store) isDegraded() bool {
	s.degradedMu.RLock()
	defer s.degradedMu.RUnlock()
	return s.degraded
}

func (s *Store) setDegraded() {
	s.degradedMu.Lock()
	s.degraded = true
	s.degradedMu.Unlock()
	s.log.Error("store entering degraded state after flush corruption; writes disabled until restart")
}

// appendBatch stages points for the next flush, respecting HardCapPoints.
func (s *Store) appendBatch(points []model.Sample) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(s.batch)+len(points) > HardCapPoints {
		return model.ErrBufferFull
	}
	s.batch = append(s.batch, points...)

	shouldFlush := len(s.batch) >= s.cfg.BatchSize || time.Since(s.lastFlush) >= s.cfg.FlushInterval
	if !shouldFlush {
		return nil
	}
	return s.flushLocked()
}

// WriteCPU expands a CPU snapshot into sample points sharing ts and appends
// them to the batch (host/tags carried on each call site's composed Sample).
func (s *Store) WriteCPU(ts int64, host, tags string, snap model.CPUSnapshot) error {
	if s.isDegraded() {
		return model.ErrStorageWriteFailure
	}
	points := []model.Sample{
		// name is cpu.aggregate_usage (not cpu.total_usage); alert rules and
		// dashboards must reference this exact identifier.
		{Timestamp: ts, Metric: "cpu.aggregate_usage", Host: host, Tags: tags, Value: snap.AggregateUsage},
		{Timestamp: ts, Metric: "cpu.core_count", Host: host, Tags: tags, Value: float64(snap.CoreCount)},
		{Timestamp: ts, Metric: "cpu.load1", Host: host, Tags: tags, Value: snap.Load1},
		{Timestamp: ts, Metric: "cpu.load5", Host: host, Tags: tags, Value: snap.Load5},
		{Timestamp: ts, Metric: "cpu.load15", Host: host, Tags: tags, Value: snap.Load15},
		{Timestamp: ts, Metric: "cpu.context_switches", Host: host, Tags: tags, Value: float64(snap.ContextSwitches)},
		{Timestamp: ts, Metric: "cpu.interrupts", Host: host, Tags: tags, Value: float64(snap.Interrupts)},
	}
	for i, usage := range snap.PerCoreUsage {
		points = append(points, model.Sample{
			Timestamp: ts, Metric: fmt.Sprintf("cpu.core.%d.usage", i), Host: host, Tags: tags, Value: usage,
		})
	}
	if err := s.appendBatch(points); err != nil {
		return s.writeErr(err)
	}
	return nil
}

// WriteMemory expands a memory snapshot into sample points.
func (s *Store) WriteMemory(ts int64, host, tags string, snap model.MemorySnapshot) error {
	if s.isDegraded() {
		return model.ErrStorageWriteFailure
	}
	points := []model.Sample{
		{Timestamp: ts, Metric: "memory.total_bytes", Host: host, Tags: tags, Value: float64(snap.TotalBytes)},
		{Timestamp: ts, Metric: "memory.available_bytes", Host: host, Tags: tags, Value: float64(snap.AvailableBytes)},
		{Timestamp: ts, Metric: "memory.used_bytes", Host: host, Tags: tags, Value: float64(snap.UsedBytes)},
		{Timestamp: ts, Metric: "memory.free_bytes", Host: host, Tags: tags, Value: float64(snap.FreeBytes)},
		{Timestamp: ts, Metric: "memory.cached_bytes", Host: host, Tags: tags, Value: float64(snap.CachedBytes)},
		{Timestamp: ts, Metric: "memory.buffers_bytes", Host: host, Tags: tags, Value: float64(snap.BuffersBytes)},
		{Timestamp: ts, Metric: "memory.swap_total_bytes", Host: host, Tags: tags, Value: float64(snap.SwapTotalBytes)},
		{Timestamp: ts, Metric: "memory.swap_used_bytes", Host: host, Tags: tags, Value: float64(snap.SwapUsedBytes)},
		{Timestamp: ts, Metric: "memory.usage_percent", Host: host, Tags: tags, Value: snap.UsagePercent()},
	}
	if err := s.appendBatch(points); err != nil {
		return s.writeErr(err)
	}
	return nil
}

// WriteDisks expands per-mount disk entries into sample points.
func (s *Store) WriteDisks(ts int64, host, tags string, entries []model.DiskEntry) error {
	if s.isDegraded() {
		return model.ErrStorageWriteFailure
	}
	points := make([]model.Sample, 0, len(entries)*7)
	for _, d := range entries {
		mountTags := tagsWithMount(tags, d.MountPoint)
		points = append(points,
			model.Sample{Timestamp: ts, Metric: "disk.total_bytes", Host: host, Tags: mountTags, Value: float64(d.TotalBytes)},
			model.Sample{Timestamp: ts, Metric: "disk.used_bytes", Host: host, Tags: mountTags, Value: float64(d.UsedBytes)},
			model.Sample{Timestamp: ts, Metric: "disk.free_bytes", Host: host, Tags: mountTags, Value: float64(d.FreeBytes)},
			model.Sample{Timestamp: ts, Metric: "disk.usage_percent", Host: host, Tags: mountTags, Value: d.UsagePercent},
			model.Sample{Timestamp: ts, Metric: "disk.read_bytes", Host: host, Tags: mountTags, Value: float64(d.ReadBytes)},
			model.Sample{Timestamp: ts, Metric: "disk.write_bytes", Host: host, Tags: mountTags, Value: float64(d.WriteBytes)},
			model.Sample{Timestamp: ts, Metric: "disk.read_ops", Host: host, Tags: mountTags, Value: float64(d.ReadOps)},
			model.Sample{Timestamp: ts, Metric: "disk.write_ops", Host: host, Tags: mountTags, Value: float64(d.WriteOps)},
		)
	}
	if err := s.appendBatch(points); err != nil {
		return s.writeErr(err)
	}
	return nil
}

// WriteNetworks expands per-interface network entries into sample points.
func (s *Store) WriteNetworks(ts int64, host, tags string, entries []model.NetworkEntry) error {
	if s.isDegraded() {
		return model.ErrStorageWriteFailure
	}
	points := make([]model.Sample, 0, len(entries)*8)
	for _, n := range entries {
		ifaceTags := tagsWithInterface(tags, n.Interface)
		up := 0.0
		if n.IsUp {
			up = 1
		}
		points = append(points,
			model.Sample{Timestamp: ts, Metric: "network.bytes_sent", Host: host, Tags: ifaceTags, Value: float64(n.BytesSent)},
			model.Sample{Timestamp: ts, Metric: "network.bytes_recv", Host: host, Tags: ifaceTags, Value: float64(n.BytesRecv)},
			model.Sample{Timestamp: ts, Metric: "network.packets_sent", Host: host, Tags: ifaceTags, Value: float64(n.PacketsSent)},
			model.Sample{Timestamp: ts, Metric: "network.packets_recv", Host: host, Tags: ifaceTags, Value: float64(n.PacketsRecv)},
			model.Sample{Timestamp: ts, Metric: "network.errors", Host: host, Tags: ifaceTags, Value: float64(n.Errin + n.Errout)},
			model.Sample{Timestamp: ts, Metric: "network.drops", Host: host, Tags: ifaceTags, Value: float64(n.Dropin + n.Dropout)},
			model.Sample{Timestamp: ts, Metric: "network.is_up", Host: host, Tags: ifaceTags, Value: up},
		)
	}
	if err := s.appendBatch(points); err != nil {
		return s.writeErr(err)
	}
	return nil
}

// WriteProcesses expands the top-20 process table into sample points,
// tagged per-PID so each process's CPU/RSS series stays independently
// queryable.
func (s *Store) WriteProcesses(ts int64, host, tags string, entries []model.ProcessEntry) error {
	if s.isDegraded() {
		return model.ErrStorageWriteFailure
	}
	points := make([]model.Sample, 0, len(entries)*3)
	for _, p := range entries {
		pidTags := tagsWithPID(tags, p.PID, p.Name)
		points = append(points,
			model.Sample{Timestamp: ts, Metric: "process.cpu_percent", Host: host, Tags: pidTags, Value: p.CPUPercent},
			model.Sample{Timestamp: ts, Metric: "process.rss_bytes", Host: host, Tags: pidTags, Value: float64(p.RSSBytes)},
			model.Sample{Timestamp: ts, Metric: "process.thread_count", Host: host, Tags: pidTags, Value: float64(p.ThreadCount)},
		)
	}
	if err := s.appendBatch(points); err != nil {
		return s.writeErr(err)
	}
	return nil
}

func (s *Store) writeErr(err error) error {
	if err == model.ErrBufferFull {
		return err
	}
	s.flushFailures.Add(1)
	return fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
}

// FlushFailures reports the cumulative count of write calls whose
// triggered flush failed, surfaced through the stats API. A failure of an
// explicit Flush call is not counted.
func (s *Store) FlushFailures() int64 {
	return s.flushFailures.Load()
}

// Ready reports whether the store can still accept writes. It returns a
// non-nil error once the store has entered the degraded state.
func (s *Store) Ready() error {
	if s.isDegraded() {
		return fmt.Errorf("%w: store is degraded", model.ErrStorageWriteFailure)
	}
	return nil
}

// Flush wraps the current batch in one transaction. A failed flush leaves
// the batch intact for the next attempt. An empty batch is a no-op.
func (s *Store) Flush(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if len(s.batch) == 0 {
		s.lastFlush = time.Now()
		return nil
	}
	if s.isDegraded() {
		return model.ErrStorageWriteFailure
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.log.Warn("flush begin failed", "error", err)
		return fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO metrics (timestamp, metric_name, host, tags, value) VALUES (?,?,?,?,?)
		ON CONFLICT(timestamp, metric_name, host, tags) DO UPDATE SET value=excluded.value`)
	if err != nil {
		_ = tx.Rollback()
		s.maybeDegrade(err)
		return fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	for _, p := range s.batch {
		if _, err := stmt.Exec(p.Timestamp, p.Metric, p.Host, p.Tags, p.Value); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			s.maybeDegrade(err)
			return fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		s.maybeDegrade(err)
		return fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}

	s.batch = s.batch[:0]
	s.lastFlush = time.Now()
	return nil
}

// maybeDegrade flags the handle degraded when sqlite reports corruption;
// ordinary constraint/busy errors do not trip it.
func (s *Store) maybeDegrade(err error) {
	msg := err.Error()
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt") {
		s.setDegraded()
	}
}

// QueryRange returns committed sample points for one metric within
// [startTS, endTS], newest first, capped at limit (0 = unlimited).
func (s *Store) QueryRange(ctx context.Context, metricName string, startTS, endTS int64, limit int) ([]model.Sample, error) {
	query := `SELECT timestamp, metric_name, host, tags, value FROM metrics
		WHERE metric_name = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC`
	args := []any{metricName, startTS, endTS}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	defer rows.Close()

	var out []model.Sample
	for rows.Next() {
		var p model.Sample
		if err := rows.Scan(&p.Timestamp, &p.Metric, &p.Host, &p.Tags, &p.Value); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApplyRetention deletes every point with timestamp < now - days*86400 and
// returns the count deleted. A single transactional delete; no inline
// vacuum/checkpoint pass.
func (s *Store) ApplyRetention(ctx context.Context, days int, now time.Time) (int64, error) {
	cutoff := now.Unix() - int64(days)*86400
	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	return n, nil
}

// ApplyRollupRetention deletes rows from the 1m and 1h rollup tables older
// than their own configured retention windows, independent of the raw
// table's ApplyRetention cutoff.
func (s *Store) ApplyRollupRetention(ctx context.Context, now time.Time) (deleted1m, deleted1h int64, err error) {
	cutoff1m := now.Unix() - int64(s.cfg.Retention1mDays)*86400
	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics_1m WHERE timestamp < ?`, cutoff1m)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	deleted1m, err = res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}

	cutoff1h := now.Unix() - int64(s.cfg.Retention1hDays)*86400
	res, err = s.db.ExecContext(ctx, `DELETE FROM metrics_1h WHERE timestamp < ?`, cutoff1h)
	if err != nil {
		return deleted1m, 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	deleted1h, err = res.RowsAffected()
	if err != nil {
		return deleted1m, 0, fmt.Errorf("%w: %v", model.ErrStorageWriteFailure, err)
	}
	return deleted1m, deleted1h, nil
}

// Checkpoint runs a WAL checkpoint + optimize pass; intended to be called
// on a separate maintenance cadence, never inline with a write or
// retention sweep.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

func tagsWithMount(base, mount string) string   { return appendTag(base, "mount", mount) }
func tagsWithInterface(base, iface string) string { return appendTag(base, "iface", iface) }
func tagsWithPID(base string, pid int32, name string) string {
	return appendTag(appendTag(base, "pid", fmt.Sprintf("%d", pid)), "process", name)
}

func appendTag(base, key, value string) string {
	if base == "" {
		return fmt.Sprintf("%s=%s", key, value)
	}
	return fmt.Sprintf("%s,%s=%s", base, key, value)
}
