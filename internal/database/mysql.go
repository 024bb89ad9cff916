package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bank-sync/pkg/config"
	"github.com/bank-sync/pkg/models"
	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// MySQLClient handles MySQL database operations
type MySQLClient struct {
	db     *sql.DB
	logger *logrus.Entry
	cfg    *config.MySQLConfig
}

// NewMySQLClient creates a new MySQL client
func NewMySQLClient(cfg *config.MySQLConfig, logger *logrus.Logger) (*MySQLClient, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	logger.WithField("dsn", fmt.Sprintf("%s:***@tcp(%s:%d)/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)).Debug("Connecting to MySQL")

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &MySQLClient{
		db:     db,
		logger: logger.WithField("component", "mysql"),
		cfg:    cfg,
	}, nil
}

// Close closes the database connection
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

// Health checks database health
func (mc *MySQLClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return mc.db.PingContext(ctx)
}

// Connection operations

// GetConnections retrieves all linked bank connections with their
// persisted credential sets
func (mc *MySQLClient) GetConnections(ctx context.Context) ([]*models.Connection, error) {
	query := `
		SELECT id, requisition_id, secret_id, secret_key,
		       access_token, access_expires_at,
		       refresh_token, refresh_expires_at,
		       base_interval_seconds, last_update_time
		FROM connections
		ORDER BY id
	`

	rows, err := mc.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	mc.logger.WithField("count", len(conns)).Debug("Loaded connections")
	return conns, nil
}

// GetConnection retrieves a single connection by id
func (mc *MySQLClient) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	query := `
		SELECT id, requisition_id, secret_id, secret_key,
		       access_token, access_expires_at,
		       refresh_token, refresh_expires_at,
		       base_interval_seconds, last_update_time
		FROM connections
		WHERE id = ?
	`

	rows, err := mc.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("connection %s not found", id)
	}

	return scanConnection(rows)
}

// InsertConnection records a new linked bank connection
func (mc *MySQLClient) InsertConnection(ctx context.Context, conn *models.Connection) error {
	query := `
		INSERT INTO connections
			(id, requisition_id, secret_id, secret_key, base_interval_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NOW(), NOW())
	`

	_, err := mc.db.ExecContext(ctx, query,
		conn.ID,
		conn.RequisitionID,
		conn.SecretID,
		conn.SecretKey,
		int64(conn.BaseInterval.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}

	mc.logger.WithField("connection", conn.ID).Info("Connection added")
	return nil
}

// SaveCredentials persists a renewed credential set. Used as the
// credential store's persistence callback, so it runs on every token
// renewal and must update the whole set in one statement.
func (mc *MySQLClient) SaveCredentials(ctx context.Context, connectionID string, set models.CredentialSet) error {
	query := `
		UPDATE connections
		SET access_token = ?, access_expires_at = ?,
		    refresh_token = ?, refresh_expires_at = ?,
		    updated_at = NOW()
		WHERE id = ?
	`

	_, err := mc.db.ExecContext(ctx, query,
		set.AccessToken,
		nullTime(set.AccessExpiresAt),
		set.RefreshToken,
		nullTime(set.RefreshExpiresAt),
		connectionID,
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	mc.logger.WithField("connection", connectionID).Debug("Credentials persisted")
	return nil
}

// UpdateLastSync stamps the completion time of a successful fetch cycle
func (mc *MySQLClient) UpdateLastSync(ctx context.Context, connectionID string, t time.Time) error {
	query := `UPDATE connections SET last_update_time = ?, updated_at = NOW() WHERE id = ?`

	if _, err := mc.db.ExecContext(ctx, query, t, connectionID); err != nil {
		return fmt.Errorf("failed to update last sync time: %w", err)
	}

	return nil
}

func scanConnection(rows *sql.Rows) (*models.Connection, error) {
	var (
		conn            models.Connection
		accessToken     sql.NullString
		accessExpires   sql.NullTime
		refreshToken    sql.NullString
		refreshExpires  sql.NullTime
		intervalSeconds int64
		lastUpdate      sql.NullTime
	)

	err := rows.Scan(
		&conn.ID,
		&conn.RequisitionID,
		&conn.SecretID,
		&conn.SecretKey,
		&accessToken,
		&accessExpires,
		&refreshToken,
		&refreshExpires,
		&intervalSeconds,
		&lastUpdate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	conn.Credentials = models.CredentialSet{
		AccessToken:      accessToken.String,
		AccessExpiresAt:  accessExpires.Time,
		RefreshToken:     refreshToken.String,
		RefreshExpiresAt: refreshExpires.Time,
	}
	conn.BaseInterval = time.Duration(intervalSeconds) * time.Second
	if lastUpdate.Valid {
		conn.LastUpdateTime = lastUpdate.Time
	}

	return &conn, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
