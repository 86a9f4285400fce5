package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"lorachat/internal/migrations"
	"lorachat/internal/models"
	"lorachat/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the SQLite-backed message and telemetry log.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

// TelemetryRecord is one persisted link sample with the tier it produced.
type TelemetryRecord struct {
	Sample models.TelemetrySample `json:"sample"`
	Tier   models.Tier            `json:"tier"`
}

// New opens (creating if needed) the database at dbPath and brings its schema up to date.
// An empty encryptionSecret stores sender and body in plain text.
func New(dbPath, encryptionSecret string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	enc, err := newEncryptor(encryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to apply migrations: %w", err))
	}

	return &Database{db: db, encryptor: enc}, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// HealthCheck pings the underlying connection.
func (d *Database) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// SaveMessage upserts msg. Identity columns are written once; later saves update only delivery state.
func (d *Database) SaveMessage(ctx context.Context, msg *models.Message) error {
	sender, err := d.encryptor.Encrypt(msg.Sender)
	if err != nil {
		return fmt.Errorf("failed to encrypt sender: %w", err)
	}
	body, err := d.encryptor.Encrypt(msg.Body)
	if err != nil {
		return fmt.Errorf("failed to encrypt body: %w", err)
	}

	var sentAt sql.NullInt64
	if msg.SentAt != nil {
		sentAt = sql.NullInt64{Int64: msg.SentAt.UnixMilli(), Valid: true}
	}

	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, UpsertMessageQuery,
			msg.ID,
			sender,
			body,
			msg.CreatedAt,
			msg.Checksum,
			string(msg.Status),
			msg.Reason,
			msg.TransportUsed,
			string(msg.Direction),
			msg.RemoteID,
			msg.Attempts,
			sentAt,
			msg.UpdatedAt.UnixMilli(),
		)
		return err
	}, "save message")
}

// LoadMessages returns every stored message ordered by createdAt then id.
func (d *Database) LoadMessages(ctx context.Context) ([]*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, SelectAllMessagesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			m                 models.Message
			status, direction string
			sentAt            sql.NullInt64
			updatedAt         int64
		)
		if err := rows.Scan(
			&m.ID,
			&m.Sender,
			&m.Body,
			&m.CreatedAt,
			&m.Checksum,
			&status,
			&m.Reason,
			&m.TransportUsed,
			&direction,
			&m.RemoteID,
			&m.Attempts,
			&sentAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		if m.Sender, err = d.encryptor.Decrypt(m.Sender); err != nil {
			return nil, fmt.Errorf("failed to decrypt sender of %s: %w", m.ID, err)
		}
		if m.Body, err = d.encryptor.Decrypt(m.Body); err != nil {
			return nil, fmt.Errorf("failed to decrypt body of %s: %w", m.ID, err)
		}

		m.Status = models.Status(status)
		m.Direction = models.Direction(direction)
		m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		if sentAt.Valid {
			t := time.UnixMilli(sentAt.Int64).UTC()
			m.SentAt = &t
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// DeleteMessages removes the given ids in one transaction.
func (d *Database) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return retryableDBOperation(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, DeleteMessageQuery)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	}, "delete messages")
}

// CountByStatus reports how many stored messages sit in each status.
func (d *Database) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := d.db.QueryContext(ctx, CountMessagesByStatusQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

// RecordTelemetry appends one sample to the telemetry log.
func (d *Database) RecordTelemetry(ctx context.Context, s models.TelemetrySample, tier models.Tier) error {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	mode := s.Mode
	if mode == "" {
		mode = models.SampleModeTelemetry
	}
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, InsertTelemetryQuery,
			at.UnixMilli(),
			string(mode),
			s.RSSI,
			s.SNR,
			s.GainDBi,
			s.UpRTT.Milliseconds(),
			s.DownRTT.Milliseconds(),
			string(tier),
		)
		return err
	}, "record telemetry")
}

// RecentTelemetry returns up to limit samples, newest first.
func (d *Database) RecentTelemetry(ctx context.Context, limit int) ([]TelemetryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, SelectRecentTelemetryQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	var out []TelemetryRecord
	for rows.Next() {
		var (
			at, upMs, downMs int64
			mode, tier       string
			r                TelemetryRecord
		)
		if err := rows.Scan(&at, &mode, &r.Sample.RSSI, &r.Sample.SNR, &r.Sample.GainDBi, &upMs, &downMs, &tier); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		r.Sample.At = time.UnixMilli(at).UTC()
		r.Sample.Mode = models.SampleMode(mode)
		r.Sample.UpRTT = time.Duration(upMs) * time.Millisecond
		r.Sample.DownRTT = time.Duration(downMs) * time.Millisecond
		r.Tier = models.Tier(tier)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteTelemetryBefore prunes samples older than cutoff and returns how many were removed.
func (d *Database) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, DeleteOldTelemetryQuery, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, "prune telemetry")
	return affected, err
}
