package database

// Message queries
const (
	UpsertMessageQuery = `
		INSERT INTO messages (
			id, sender, body, created_at, checksum, status, reason,
			transport, direction, remote_id, attempts, sent_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			transport = excluded.transport,
			remote_id = excluded.remote_id,
			attempts = excluded.attempts,
			sent_at = excluded.sent_at,
			updated_at = excluded.updated_at
	`

	SelectAllMessagesQuery = `
		SELECT id, sender, body, created_at, checksum, status, reason,
		       transport, direction, remote_id, attempts, sent_at, updated_at
		FROM messages
		ORDER BY created_at, id
	`

	DeleteMessageQuery = `DELETE FROM messages WHERE id = ?`

	CountMessagesByStatusQuery = `SELECT status, COUNT(*) FROM messages GROUP BY status`
)

// Telemetry queries
const (
	InsertTelemetryQuery = `
		INSERT INTO telemetry_log (at, mode, rssi, snr, gain_dbi, up_ms, down_ms, tier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	SelectRecentTelemetryQuery = `
		SELECT at, mode, rssi, snr, gain_dbi, up_ms, down_ms, tier
		FROM telemetry_log
		ORDER BY at DESC, id DESC
		LIMIT ?
	`

	DeleteOldTelemetryQuery = `DELETE FROM telemetry_log WHERE at < ?`
)
