package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"bnbwatch/internal/models"
)

// PostgresLedger persists scan attempts and notification records. Rows are
// inserted once and read back by the dashboard queries; SettleNotification
// is the only update path.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens a connection to PostgreSQL, runs schema
// migrations, and returns a ready-to-use PostgresLedger.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	pl := &PostgresLedger{db: db}
	if err := pl.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return pl, nil
}

func (pl *PostgresLedger) migrate() error {
	_, err := pl.db.Exec(`
		CREATE TABLE IF NOT EXISTS scan_attempts (
			id         VARCHAR(64)  PRIMARY KEY,
			watch_id   VARCHAR(64)  NOT NULL,
			outcome    VARCHAR(20)  NOT NULL,
			phase      VARCHAR(10)  NOT NULL,
			backend    VARCHAR(20)  NOT NULL DEFAULT '',
			latency_ms BIGINT       NOT NULL DEFAULT 0,
			error      TEXT         NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id           VARCHAR(64)  PRIMARY KEY,
			watch_id     VARCHAR(64)  NOT NULL,
			owner_id     VARCHAR(64)  NOT NULL,
			channel      VARCHAR(10)  NOT NULL,
			destination  TEXT         NOT NULL,
			body         TEXT         NOT NULL,
			deep_link    TEXT         NOT NULL DEFAULT '',
			status       VARCHAR(15)  NOT NULL,
			provider_ref VARCHAR(128) NOT NULL DEFAULT '',
			error        TEXT         NOT NULL DEFAULT '',
			sent_at      TIMESTAMPTZ,
			created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_scan_attempts_watch  ON scan_attempts(watch_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notifications_watch  ON notifications(watch_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notifications_ref    ON notifications(provider_ref);
	`)
	return err
}

func (pl *PostgresLedger) AppendScan(ctx context.Context, attempt *models.ScanAttempt) error {
	_, err := pl.db.ExecContext(ctx, `
		INSERT INTO scan_attempts (id, watch_id, outcome, phase, backend, latency_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, attempt.ID, attempt.WatchID, attempt.Outcome, attempt.Phase,
		attempt.Backend, attempt.LatencyMS, attempt.Error, attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append scan: %w", err)
	}
	return nil
}

func (pl *PostgresLedger) AppendNotification(ctx context.Context, n *models.Notification) error {
	_, err := pl.db.ExecContext(ctx, `
		INSERT INTO notifications
			(id, watch_id, owner_id, channel, destination, body, deep_link, status, provider_ref, error, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, n.ID, n.WatchID, n.OwnerID, n.Channel, n.Destination, n.Body,
		n.DeepLink, n.Status, n.ProviderRef, n.Error, n.SentAt, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append notification: %w", err)
	}
	return nil
}

func (pl *PostgresLedger) SettleNotification(ctx context.Context, providerRef string, status models.NotificationStatus, errMsg string) error {
	res, err := pl.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = $2, error = CASE WHEN $3 = '' THEN error ELSE $3 END
		WHERE provider_ref = $1
	`, providerRef, status, errMsg)
	if err != nil {
		return fmt.Errorf("postgres: settle notification: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: settle notification: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no notification with provider ref %s", providerRef)
	}
	return nil
}

func (pl *PostgresLedger) ScansByWatch(ctx context.Context, watchID string, limit int) ([]*models.ScanAttempt, error) {
	rows, err := pl.db.QueryContext(ctx, `
		SELECT id, watch_id, outcome, phase, backend, latency_ms, error, created_at
		FROM scan_attempts
		WHERE watch_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, watchID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: scans by watch: %w", err)
	}
	defer rows.Close()

	var attempts []*models.ScanAttempt
	for rows.Next() {
		a := &models.ScanAttempt{}
		if err := rows.Scan(
			&a.ID, &a.WatchID, &a.Outcome, &a.Phase, &a.Backend,
			&a.LatencyMS, &a.Error, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (pl *PostgresLedger) NotificationsByWatch(ctx context.Context, watchID string, limit int) ([]*models.Notification, error) {
	rows, err := pl.db.QueryContext(ctx, `
		SELECT id, watch_id, owner_id, channel, destination, body, deep_link, status, provider_ref, error, sent_at, created_at
		FROM notifications
		WHERE watch_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, watchID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: notifications by watch: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		if err := rows.Scan(
			&n.ID, &n.WatchID, &n.OwnerID, &n.Channel, &n.Destination, &n.Body,
			&n.DeepLink, &n.Status, &n.ProviderRef, &n.Error, &n.SentAt, &n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (pl *PostgresLedger) Close() error {
	return pl.db.Close()
}
