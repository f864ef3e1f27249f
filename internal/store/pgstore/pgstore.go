// Package pgstore implements consensus.EpochStore against PostgreSQL,
// the durable epoch store every startEpoch/completeEpoch call must reach
// before the core acts on it (spec.md §6 "EpochStore").
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/ruvnet/issordering/internal/config"
	"github.com/ruvnet/issordering/internal/consensus"
)

// Store persists ISS epoch lifecycle state in Postgres.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens a connection pool against cfg and verifies connectivity.
func New(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("pgstore")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not already exist. It is
// deliberately hand-rolled SQL rather than a migration framework, since
// the schema is small and stable.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS epochs (
			nr              BIGINT PRIMARY KEY,
			start_block     BIGINT NOT NULL,
			length          BIGINT NOT NULL,
			activation_time TIMESTAMPTZ NOT NULL,
			topology        JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS completed_epochs (
			epoch_nr     BIGINT PRIMARY KEY REFERENCES epochs(nr),
			last_commits JSONB NOT NULL,
			blocks       JSONB NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS incomplete_messages (
			epoch_nr BIGINT NOT NULL,
			block_nr BIGINT NOT NULL,
			message  JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS incomplete_messages_epoch_block_idx
			ON incomplete_messages (epoch_nr, block_nr)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// StartEpoch implements consensus.EpochStore.
func (s *Store) StartEpoch(ctx context.Context, info consensus.EpochInfo) error {
	topology, err := json.Marshal(info.Topology)
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO epochs (nr, start_block, length, activation_time, topology)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (nr) DO NOTHING`,
		uint64(info.Nr), uint64(info.StartBlock), info.Length, info.ActivationTime, topology)
	if err != nil {
		return fmt.Errorf("insert epoch %d: %w", info.Nr, err)
	}
	return nil
}

// CompleteEpoch implements consensus.EpochStore.
func (s *Store) CompleteEpoch(ctx context.Context, epoch consensus.CompletedEpoch) error {
	commits, err := json.Marshal(epoch.LastCommits)
	if err != nil {
		return fmt.Errorf("marshal last commits: %w", err)
	}
	blocks, err := json.Marshal(epoch.Blocks)
	if err != nil {
		return fmt.Errorf("marshal blocks: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO completed_epochs (epoch_nr, last_commits, blocks)
		VALUES ($1, $2, $3)
		ON CONFLICT (epoch_nr) DO UPDATE SET last_commits = EXCLUDED.last_commits, blocks = EXCLUDED.blocks`,
		uint64(epoch.Info.Nr), commits, blocks); err != nil {
		return fmt.Errorf("insert completed epoch %d: %w", epoch.Info.Nr, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM incomplete_messages WHERE epoch_nr = $1`, uint64(epoch.Info.Nr)); err != nil {
		return fmt.Errorf("clear incomplete messages for epoch %d: %w", epoch.Info.Nr, err)
	}
	return tx.Commit()
}

// LatestCompletedEpoch implements consensus.EpochStore.
func (s *Store) LatestCompletedEpoch(ctx context.Context) (consensus.EpochInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.nr, e.start_block, e.length, e.activation_time, e.topology
		FROM completed_epochs c JOIN epochs e ON e.nr = c.epoch_nr
		ORDER BY e.nr DESC LIMIT 1`)

	var nr, startBlock, length uint64
	var activationTime time.Time
	var topologyRaw []byte
	if err := row.Scan(&nr, &startBlock, &length, &activationTime, &topologyRaw); err != nil {
		if err == sql.ErrNoRows {
			return consensus.EpochInfo{}, nil
		}
		return consensus.EpochInfo{}, fmt.Errorf("query latest completed epoch: %w", err)
	}
	var topology consensus.Topology
	if err := json.Unmarshal(topologyRaw, &topology); err != nil {
		return consensus.EpochInfo{}, fmt.Errorf("unmarshal topology: %w", err)
	}
	return consensus.EpochInfo{
		Nr:             consensus.EpochNr(nr),
		StartBlock:     consensus.BlockNr(startBlock),
		Length:         length,
		ActivationTime: activationTime,
		Topology:       topology,
	}, nil
}

// EpochInProgress implements consensus.EpochStore.
func (s *Store) EpochInProgress(ctx context.Context, epoch consensus.EpochNr) (consensus.EpochInProgress, error) {
	info, err := s.epochInfo(ctx, epoch)
	if err != nil {
		return consensus.EpochInProgress{}, err
	}

	var completedBlocks []*consensus.OrderedBlock
	row := s.db.QueryRowContext(ctx, `SELECT blocks FROM completed_epochs WHERE epoch_nr = $1`, uint64(epoch))
	var blocksRaw []byte
	switch err := row.Scan(&blocksRaw); err {
	case nil:
		if err := json.Unmarshal(blocksRaw, &completedBlocks); err != nil {
			return consensus.EpochInProgress{}, fmt.Errorf("unmarshal completed blocks: %w", err)
		}
	case sql.ErrNoRows:
		// epoch not yet completed, fall through to incomplete messages
	default:
		return consensus.EpochInProgress{}, fmt.Errorf("query completed blocks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT block_nr, message FROM incomplete_messages WHERE epoch_nr = $1`, uint64(epoch))
	if err != nil {
		return consensus.EpochInProgress{}, fmt.Errorf("query incomplete messages: %w", err)
	}
	defer rows.Close()

	incomplete := make(map[consensus.BlockNr][]*consensus.PBFTMessage)
	for rows.Next() {
		var block uint64
		var raw []byte
		if err := rows.Scan(&block, &raw); err != nil {
			return consensus.EpochInProgress{}, fmt.Errorf("scan incomplete message: %w", err)
		}
		var msg consensus.PBFTMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return consensus.EpochInProgress{}, fmt.Errorf("unmarshal incomplete message: %w", err)
		}
		b := consensus.BlockNr(block)
		incomplete[b] = append(incomplete[b], &msg)
	}
	if err := rows.Err(); err != nil {
		return consensus.EpochInProgress{}, fmt.Errorf("iterate incomplete messages: %w", err)
	}

	return consensus.EpochInProgress{
		Info:             info,
		CompletedBlocks:  completedBlocks,
		IncompleteBlocks: incomplete,
	}, nil
}

// CompletedEpochRecord implements consensus.EpochStore.
func (s *Store) CompletedEpochRecord(ctx context.Context, epoch consensus.EpochNr) (consensus.CompletedEpoch, error) {
	info, err := s.epochInfo(ctx, epoch)
	if err != nil {
		return consensus.CompletedEpoch{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT last_commits, blocks FROM completed_epochs WHERE epoch_nr = $1`, uint64(epoch))
	var commitsRaw, blocksRaw []byte
	if err := row.Scan(&commitsRaw, &blocksRaw); err != nil {
		return consensus.CompletedEpoch{}, fmt.Errorf("query completed epoch %d: %w", epoch, err)
	}
	var commits []*consensus.PBFTMessage
	var blocks []*consensus.OrderedBlock
	if err := json.Unmarshal(commitsRaw, &commits); err != nil {
		return consensus.CompletedEpoch{}, fmt.Errorf("unmarshal last commits: %w", err)
	}
	if err := json.Unmarshal(blocksRaw, &blocks); err != nil {
		return consensus.CompletedEpoch{}, fmt.Errorf("unmarshal blocks: %w", err)
	}
	return consensus.CompletedEpoch{Info: info, LastCommits: commits, Blocks: blocks}, nil
}

// RecordIncompleteMessage persists a PBFT message for a not-yet-decided
// block, replayed by EpochInProgress on restart (spec.md §4.2
// "In-progress recovery").
func (s *Store) RecordIncompleteMessage(ctx context.Context, msg *consensus.PBFTMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incomplete_messages (epoch_nr, block_nr, message) VALUES ($1, $2, $3)`,
		uint64(msg.Metadata.Epoch), uint64(msg.Metadata.Block), raw)
	if err != nil {
		return fmt.Errorf("insert incomplete message: %w", err)
	}
	return nil
}

func (s *Store) epochInfo(ctx context.Context, epoch consensus.EpochNr) (consensus.EpochInfo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT nr, start_block, length, activation_time, topology FROM epochs WHERE nr = $1`, uint64(epoch))
	var nr, startBlock, length uint64
	var activationTime time.Time
	var topologyRaw []byte
	if err := row.Scan(&nr, &startBlock, &length, &activationTime, &topologyRaw); err != nil {
		return consensus.EpochInfo{}, fmt.Errorf("query epoch %d: %w", epoch, err)
	}
	var topology consensus.Topology
	if err := json.Unmarshal(topologyRaw, &topology); err != nil {
		return consensus.EpochInfo{}, fmt.Errorf("unmarshal topology: %w", err)
	}
	return consensus.EpochInfo{
		Nr:             consensus.EpochNr(nr),
		StartBlock:     consensus.BlockNr(startBlock),
		Length:         length,
		ActivationTime: activationTime,
		Topology:       topology,
	}, nil
}
