package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

// Schema creates the tables used by the manager when they are missing
const Schema = `
CREATE TABLE IF NOT EXISTS manager (
	id           INTEGER PRIMARY KEY,
	cmd_ip       TEXT NOT NULL,
	cmd_port     INTEGER NOT NULL,
	webdav_ip    TEXT NOT NULL,
	webdav_port  INTEGER NOT NULL,
	web_ip       TEXT NOT NULL,
	web_port     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS storage (
	id              INTEGER PRIMARY KEY,
	host            TEXT NOT NULL,
	port            INTEGER NOT NULL,
	max_connections INTEGER NOT NULL DEFAULT 0,
	capacity        BIGINT NOT NULL DEFAULT 0,
	used            BIGINT NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'up',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS levels (
	id         INTEGER PRIMARY KEY,
	level      INTEGER NOT NULL,
	sub_level  INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (level, sub_level)
);
CREATE TABLE IF NOT EXISTS ranges (
	id            BIGINT PRIMARY KEY,
	level         INTEGER NOT NULL,
	sub_level     INTEGER NOT NULL,
	idx           BIGINT NOT NULL,
	target_copies INTEGER NOT NULL,
	size          BIGINT NOT NULL DEFAULT 0,
	state         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (level, sub_level, idx)
);
CREATE TABLE IF NOT EXISTS range_copies (
	range_id BIGINT NOT NULL REFERENCES ranges(id) ON DELETE CASCADE,
	node_id  INTEGER NOT NULL,
	role     TEXT NOT NULL,
	PRIMARY KEY (range_id, node_id)
);
`

// PostgresMetadataStore implements MetadataStore for PostgreSQL
type PostgresMetadataStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresMetadataStore creates a new PostgreSQL metadata store
func NewPostgresMetadataStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresMetadataStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresMetadataStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// Migrate creates missing tables
func (s *PostgresMetadataStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetManager retrieves the listen addresses of a manager instance
func (s *PostgresMetadataStore) GetManager(ctx context.Context, serverID uint32) (*model.ManagerAddresses, error) {
	query := `
		SELECT cmd_ip, cmd_port, webdav_ip, webdav_port, web_ip, web_port
		FROM manager
		WHERE id = $1
	`

	var addrs model.ManagerAddresses
	err := s.pool.QueryRow(ctx, query, int64(serverID)).Scan(
		&addrs.CmdIP,
		&addrs.CmdPort,
		&addrs.WebDavIP,
		&addrs.WebDavPort,
		&addrs.WebIP,
		&addrs.WebPort,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("manager", serverID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manager: %w", err)
	}

	return &addrs, nil
}

// ListStorageNodes retrieves all storage nodes
func (s *PostgresMetadataStore) ListStorageNodes(ctx context.Context) ([]*model.StorageNode, error) {
	query := `
		SELECT id, host, port, max_connections, capacity, used, status, updated_at
		FROM storage
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.StorageNode
	for rows.Next() {
		var (
			id             int64
			capacity, used int64
			status         string
			node           model.StorageNode
		)
		if err := rows.Scan(&id, &node.Host, &node.Port, &node.MaxConnections, &capacity, &used, &status, &node.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan storage node: %w", err)
		}
		node.ID = model.NodeID(id)
		node.Capacity = uint64(capacity)
		node.Used = uint64(used)
		if node.Status, err = model.ParseNodeStatus(status); err != nil {
			s.logger.Warn("Unknown storage node status, treating as down",
				zap.Int64("node_id", id),
				zap.String("status", status))
			node.Status = model.NodeStatusDown
		}
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// UpsertStorageNode adds or updates a storage node
func (s *PostgresMetadataStore) UpsertStorageNode(ctx context.Context, node *model.StorageNode) error {
	query := `
		INSERT INTO storage (id, host, port, max_connections, capacity, used, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET host = EXCLUDED.host, port = EXCLUDED.port, max_connections = EXCLUDED.max_connections,
			capacity = EXCLUDED.capacity, used = EXCLUDED.used, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		int64(node.ID),
		node.Host,
		node.Port,
		node.MaxConnections,
		int64(node.Capacity),
		int64(node.Used),
		string(node.Status),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert storage node: %w", err)
	}
	return nil
}

// RemoveStorageNode deletes a storage node
func (s *PostgresMetadataStore) RemoveStorageNode(ctx context.Context, nodeID model.NodeID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM storage WHERE id = $1`, int64(nodeID))
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return apperrors.NotFound("storage node", nodeID)
	}

	return nil
}

// ListLevels retrieves all levels in creation order
func (s *PostgresMetadataStore) ListLevels(ctx context.Context) ([]model.Level, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, level, sub_level, created_at FROM levels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list levels: %w", err)
	}
	defer rows.Close()

	var levels []model.Level
	for rows.Next() {
		var id, level, subLevel int64
		var l model.Level
		if err := rows.Scan(&id, &level, &subLevel, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan level: %w", err)
		}
		l.ID = model.LevelID(id)
		l.Level = uint32(level)
		l.SubLevel = uint32(subLevel)
		levels = append(levels, l)
	}

	return levels, rows.Err()
}

// SaveLevel inserts a level
func (s *PostgresMetadataStore) SaveLevel(ctx context.Context, level model.Level) error {
	query := `
		INSERT INTO levels (id, level, sub_level, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query,
		int64(level.ID),
		int64(level.Level),
		int64(level.SubLevel),
		level.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save level: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.DuplicateLevel(level.Level, level.SubLevel)
	}

	return nil
}

// ListRanges retrieves all ranges with their copies
func (s *PostgresMetadataStore) ListRanges(ctx context.Context) ([]*model.Range, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, level, sub_level, idx, target_copies, size, state, created_at, updated_at
		FROM ranges
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ranges: %w", err)
	}

	byID := make(map[model.RangeID]*model.Range)
	var ranges []*model.Range
	for rows.Next() {
		var id, level, subLevel, idx, size int64
		var state string
		r := &model.Range{}
		if err := rows.Scan(&id, &level, &subLevel, &idx, &r.TargetCopies, &size, &state, &r.CreatedAt, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan range: %w", err)
		}
		r.ID = model.RangeID(id)
		r.Level = uint32(level)
		r.SubLevel = uint32(subLevel)
		r.Index = uint64(idx)
		r.Size = uint64(size)
		if r.State, err = model.ParseRangeState(state); err != nil {
			rows.Close()
			return nil, fmt.Errorf("range %d: %w", id, err)
		}
		byID[r.ID] = r
		ranges = append(ranges, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list ranges: %w", err)
	}

	copies, err := s.pool.Query(ctx, `SELECT range_id, node_id, role FROM range_copies ORDER BY range_id, role, node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list range copies: %w", err)
	}
	defer copies.Close()

	for copies.Next() {
		var rangeID, nodeID int64
		var role string
		if err := copies.Scan(&rangeID, &nodeID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan range copy: %w", err)
		}
		r, ok := byID[model.RangeID(rangeID)]
		if !ok {
			continue
		}
		r.Copies = append(r.Copies, model.Copy{NodeID: model.NodeID(nodeID), Role: model.ReplicaRole(role)})
	}

	return ranges, copies.Err()
}

// SaveRange inserts or replaces a range and its copy set in one transaction
func (s *PostgresMetadataStore) SaveRange(ctx context.Context, r *model.Range) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO ranges (id, level, sub_level, idx, target_copies, size, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET target_copies = EXCLUDED.target_copies, size = EXCLUDED.size,
			state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`,
		int64(r.ID),
		int64(r.Level),
		int64(r.SubLevel),
		int64(r.Index),
		r.TargetCopies,
		int64(r.Size),
		string(r.State),
		r.CreatedAt,
		r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperrors.InvalidArgument(fmt.Sprintf("partition %s already has a range", r.Partition()), err)
	}
	if err != nil {
		return fmt.Errorf("failed to save range: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM range_copies WHERE range_id = $1`, int64(r.ID)); err != nil {
		return fmt.Errorf("failed to clear range copies: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range r.Copies {
		batch.Queue(`INSERT INTO range_copies (range_id, node_id, role) VALUES ($1, $2, $3)`,
			int64(r.ID), int64(c.NodeID), string(c.Role))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save range copies: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit range: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Ping checks database connectivity
func (s *PostgresMetadataStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresMetadataStore) Close() {
	s.pool.Close()
}
