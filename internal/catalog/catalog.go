// Package catalog guarda os metadados de chunks e alarmes em SQLite.
//
// O chunk é gravado antes do upload: BeginChunk insere a linha pending com o caminho planejado
// e CommitChunk ou FailChunk a resolvem. Uma linha pending que sobreviveu ao processo é
// resolvida pelo Sweep consultando o blob store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/logging"
)

var ErrNotFound = errors.New("catalog: not found")

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	camera_id   TEXT NOT NULL,
	camera_name TEXT NOT NULL DEFAULT '',
	file_name   TEXT NOT NULL,
	bucket      TEXT NOT NULL,
	object_path TEXT NOT NULL,
	start_ms    INTEGER NOT NULL,
	end_ms      INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	size        INTEGER NOT NULL DEFAULT 0,
	trig        TEXT NOT NULL DEFAULT 'auto',
	state       TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	updated_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS chunks_state ON chunks(state);
CREATE INDEX IF NOT EXISTS chunks_camera ON chunks(camera_id, start_ms);

CREATE TABLE IF NOT EXISTS alarms (
	id          TEXT PRIMARY KEY,
	device_id   TEXT NOT NULL,
	alarm_type  TEXT NOT NULL,
	alarm_name  TEXT NOT NULL DEFAULT '',
	camera_id   TEXT NOT NULL DEFAULT '',
	camera_name TEXT NOT NULL DEFAULT '',
	location    TEXT NOT NULL DEFAULT '',
	confidence  REAL NOT NULL DEFAULT 0,
	image_url   TEXT NOT NULL DEFAULT '',
	video_url   TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	alarm_ms    INTEGER NOT NULL,
	raw         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS alarms_time ON alarms(alarm_ms);
`

type Config struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

type Catalog struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	now    func() time.Time
}

func Open(cfg Config) (*Catalog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog: Path is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", cfg.Path, err)
	}
	cfg.Logger.Info("catalog aberto", "path", cfg.Path)
	return &Catalog{pool: pool, logger: cfg.Logger, now: time.Now}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("catalog: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("catalog: schema: %w", err)
	}
	return nil
}

func (c *Catalog) Close() error {
	return c.pool.Close()
}

func (c *Catalog) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("catalog: take: %w", err)
	}
	defer c.pool.Put(conn)
	return fn(conn)
}

// BeginChunk grava a intenção (estado pending) antes do upload.
func (c *Catalog) BeginChunk(ctx context.Context, rec core.ChunkRecord) error {
	if rec.Trigger == "" {
		rec.Trigger = "auto"
	}
	return c.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO chunks (id, camera_id, camera_name, file_name, bucket, object_path,
				start_ms, end_ms, duration_ms, size, trig, state, updated_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				rec.ID, rec.CameraID, rec.CameraName, rec.FileName, rec.Bucket, rec.ObjectPath,
				rec.Start.UnixMilli(), unixMilli(rec.End), rec.Duration.Milliseconds(), rec.Size,
				rec.Trigger, string(core.ChunkPending), c.now().UnixMilli(),
			}})
	})
}

// CommitChunk marca o chunk como disponível depois do upload.
func (c *Catalog) CommitChunk(ctx context.Context, id string, size int64) error {
	return c.setState(ctx, id, core.ChunkAvailable, size, "")
}

// FailChunk marca o chunk como perdido.
func (c *Catalog) FailChunk(ctx context.Context, id string, reason string) error {
	return c.setState(ctx, id, core.ChunkFailed, -1, reason)
}

func (c *Catalog) setState(ctx context.Context, id string, state core.ChunkState, size int64, reason string) error {
	return c.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			UPDATE chunks SET state = ?, size = CASE WHEN ? >= 0 THEN ? ELSE size END,
				error = ?, updated_ms = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(state), size, size, reason, c.now().UnixMilli(), id,
			}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: chunk %s", ErrNotFound, id)
		}
		return nil
	})
}

type ChunkFilter struct {
	State    core.ChunkState
	CameraID string
	// UpdatedBefore, se não zero, ignora linhas alteradas a partir desse instante.
	UpdatedBefore time.Time
	Limit         int
}

// Chunks lista chunks em ordem de início.
func (c *Catalog) Chunks(ctx context.Context, f ChunkFilter) ([]core.ChunkRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 1000
	}
	var out []core.ChunkRecord
	err := c.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, camera_id, camera_name, file_name, bucket, object_path,
				start_ms, end_ms, duration_ms, size, trig, state
			FROM chunks
			WHERE (? = '' OR state = ?) AND (? = '' OR camera_id = ?)
				AND (? = 0 OR updated_ms < ?)
			ORDER BY start_ms
			LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{
					string(f.State), string(f.State), f.CameraID, f.CameraID,
					unixMilli(f.UpdatedBefore), unixMilli(f.UpdatedBefore), f.Limit,
				},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanChunk(stmt))
					return nil
				},
			})
	})
	return out, err
}

func scanChunk(stmt *sqlite.Stmt) core.ChunkRecord {
	rec := core.ChunkRecord{
		ID:         stmt.ColumnText(0),
		CameraID:   stmt.ColumnText(1),
		CameraName: stmt.ColumnText(2),
		FileName:   stmt.ColumnText(3),
		Bucket:     stmt.ColumnText(4),
		ObjectPath: stmt.ColumnText(5),
		Start:      time.UnixMilli(stmt.ColumnInt64(6)),
		Duration:   time.Duration(stmt.ColumnInt64(8)) * time.Millisecond,
		Size:       stmt.ColumnInt64(9),
		Trigger:    stmt.ColumnText(10),
		State:      core.ChunkState(stmt.ColumnText(11)),
	}
	if end := stmt.ColumnInt64(7); end > 0 {
		rec.End = time.UnixMilli(end)
	}
	return rec
}

// RecordAlarm guarda o alarme; ids repetidos são ignorados.
func (c *Catalog) RecordAlarm(ctx context.Context, ev core.AlarmEvent) error {
	return c.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT OR IGNORE INTO alarms (id, device_id, alarm_type, alarm_name, camera_id, camera_name,
				location, confidence, image_url, video_url, description, alarm_ms, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				ev.ID, ev.DeviceID, ev.Type, ev.Name, ev.CameraID, ev.CameraName,
				ev.Location, ev.Confidence, ev.ImageURL, ev.VideoURL, ev.Description,
				ev.Time.UnixMilli(), string(ev.Raw),
			}})
	})
}

// RecentAlarms devolve os últimos alarmes, mais novos primeiro.
func (c *Catalog) RecentAlarms(ctx context.Context, limit int) ([]core.AlarmEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []core.AlarmEvent
	err := c.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, device_id, alarm_type, alarm_name, camera_id, camera_name, location,
				confidence, image_url, video_url, description, alarm_ms
			FROM alarms ORDER BY alarm_ms DESC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, core.AlarmEvent{
						ID:          stmt.ColumnText(0),
						DeviceID:    stmt.ColumnText(1),
						Type:        stmt.ColumnText(2),
						Name:        stmt.ColumnText(3),
						CameraID:    stmt.ColumnText(4),
						CameraName:  stmt.ColumnText(5),
						Location:    stmt.ColumnText(6),
						Confidence:  stmt.ColumnFloat(7),
						ImageURL:    stmt.ColumnText(8),
						VideoURL:    stmt.ColumnText(9),
						Description: stmt.ColumnText(10),
						Time:        time.UnixMilli(stmt.ColumnInt64(11)),
					})
					return nil
				},
			})
	})
	return out, err
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
