package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
)

// DefaultTable holds the notification log when none is configured
const DefaultTable = "tx_notifications"

// Postgres : holds db connection info and the notification log table
type Postgres struct {
	DB     *sql.DB
	Table  string
	Logger log.Logger
}

// NewPGFromURI : creates new postgres connection and tests it
func NewPGFromURI(connStr string, table string, logger log.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	err = db.Ping()
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	return NewPG(db, table, logger), nil
}

// NewPG wraps an open database handle
func NewPG(db *sql.DB, table string, logger log.Logger) *Postgres {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Postgres{
		DB:     db,
		Table:  table,
		Logger: logger,
	}
}

func (pg *Postgres) table() string {
	return pq.QuoteIdentifier(pg.Table)
}

func schemaSQL(table string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		seq BIGINT NOT NULL,
		kind SMALLINT NOT NULL,
		digest CHAR(64),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		PRIMARY KEY (seq, kind)
	);`, table)
}

func windowSQL(table string) string {
	return fmt.Sprintf("SELECT seq, kind, digest FROM %s WHERE (seq, kind) >= ($1, %d) ORDER BY seq, kind LIMIT $2", table, types.KindTx)
}

// InitSchema creates the notification table if it doesn't exist
func (pg *Postgres) InitSchema() error {
	_, err := pg.DB.Exec(schemaSQL(pg.table()))
	return util.LoggerError(pg.Logger, err)
}

// Head returns the sequence number the next appended transaction will get
func (pg *Postgres) Head() (types.SequenceNumber, error) {
	return pg.head(pg.DB)
}

type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (pg *Postgres) head(q queryRower) (types.SequenceNumber, error) {
	var head int64
	stmt := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE kind = %d", pg.table(), types.KindBatch)
	if err := q.QueryRow(stmt).Scan(&head); util.LoggerError(pg.Logger, err) != nil {
		return 0, err
	}
	return types.SequenceNumber(head), nil
}

// AppendBatch inserts digests as consecutive transactions followed by a batch boundary
func (pg *Postgres) AppendBatch(digests ...types.Digest) (types.SequenceNumber, error) {
	if len(digests) == 0 {
		return pg.Head()
	}
	tx, err := pg.DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext($1))", pg.Table); err != nil {
		return 0, fmt.Errorf("failed to acquire lock: %w", err)
	}
	head, err := pg.head(tx)
	if err != nil {
		return 0, err
	}
	entries, next := types.BatchEntries(head, digests...)
	insert := fmt.Sprintf("INSERT INTO %s (seq, kind, digest) VALUES ($1, $2, $3)", pg.table())
	for _, e := range entries {
		digest := sql.NullString{String: e.Digest, Valid: e.Digest != ""}
		if _, err := tx.Exec(insert, int64(e.Seq), e.Kind, digest); util.LoggerError(pg.Logger, err) != nil {
			return head, err
		}
	}
	if err := tx.Commit(); err != nil {
		return head, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

// Open queries one window and streams its rows as they are scanned
func (pg *Postgres) Open(ctx context.Context, req types.BatchInfoRequest) (stream.Stream, error) {
	// LIMIT NULL reads to the end of the table
	var limit interface{}
	if req.Length > 0 {
		limit = int64(req.Length)
	}
	rows, err := pg.DB.QueryContext(ctx, windowSQL(pg.table()), int64(req.StartOrZero()), limit)
	if util.LoggerError(pg.Logger, err) != nil {
		return nil, err
	}
	return stream.NewChanStream(ctx, func(ctx context.Context, emit stream.Emit) {
		defer rows.Close()
		for rows.Next() {
			var seq int64
			var kind int
			var digest sql.NullString
			if err := rows.Scan(&seq, &kind, &digest); err != nil {
				emit(stream.Err(err))
				return
			}
			item, err := rowItem(seq, kind, digest)
			if err != nil {
				emit(stream.Err(err))
				return
			}
			if !emit(stream.Ok(item)) {
				return
			}
		}
		if err := rows.Err(); err != nil && ctx.Err() == nil {
			emit(stream.Err(err))
		}
	}, nil), nil
}

// Close closes the database connection.
func (pg *Postgres) Close() error {
	return pg.DB.Close()
}

func rowItem(seq int64, kind int, digest sql.NullString) (types.UpdateItem, error) {
	if seq < 0 {
		return types.UpdateItem{}, fmt.Errorf("negative seq %d", seq)
	}
	if kind == types.KindTx && !digest.Valid {
		return types.UpdateItem{}, fmt.Errorf("transaction at seq %d has no digest", seq)
	}
	return types.LogEntry{Kind: kind, Seq: uint64(seq), Digest: digest.String}.Item()
}
