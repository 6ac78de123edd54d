package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"

	"bitbank-trader/internal/domain"
)

// TradeHistoryStore is a durable, query-shaped ledger of closed trades,
// separate from the small JSON state files (DrawdownManager, OrphanSLLog)
// because the history grows without bound and PositionSizer's Kelly estimate
// wants to read it back as a time-ordered table rather than a single blob.
// WAL mode + a per-row checksum mirrors the teacher's SQLiteStore.
type TradeHistoryStore struct {
	db *sql.DB
}

// NewTradeHistoryStore opens (creating if needed) the sqlite file at dbPath
// and ensures the trades table exists.
func NewTradeHistoryStore(dbPath string) (*TradeHistoryStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open trade history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping trade history db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	data TEXT NOT NULL,
	checksum BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create trades table: %w", err)
	}
	return &TradeHistoryStore{db: db}, nil
}

type tradeResultRow struct {
	PnL        string    `json:"pnl"`
	IsWin      bool      `json:"is_win"`
	Strategy   string    `json:"strategy"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Append inserts one closed trade result, checksummed the way the teacher's
// SQLiteStore checksums its single state blob.
func (s *TradeHistoryStore) Append(ctx context.Context, result domain.TradeResult) error {
	row := tradeResultRow{
		PnL: result.PnL.String(), IsWin: result.IsWin,
		Strategy: result.Strategy, Confidence: result.Confidence, Timestamp: result.Timestamp,
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal trade result: %w", err)
	}
	checksum := sha256.Sum256(data)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `INSERT INTO trades (data, checksum, created_at) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("insert trade result: %w", err)
	}
	return tx.Commit()
}

// LoadRecent returns up to limit of the most recent trade results, oldest
// first, for PositionSizer.Seed to rebuild its Kelly history after a
// restart.
func (s *TradeHistoryStore) LoadRecent(ctx context.Context, limit int) ([]domain.TradeResult, error) {
	const query = `SELECT data, checksum FROM trades ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade history: %w", err)
	}
	defer rows.Close()

	var reversed []domain.TradeResult
	for rows.Next() {
		var data string
		var storedChecksum []byte
		if err := rows.Scan(&data, &storedChecksum); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		computed := sha256.Sum256([]byte(data))
		if len(storedChecksum) != len(computed) {
			return nil, fmt.Errorf("checksum length mismatch on trade row")
		}
		for i := range computed {
			if storedChecksum[i] != computed[i] {
				return nil, fmt.Errorf("trade history row failed checksum verification")
			}
		}
		var row tradeResultRow
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("unmarshal trade row: %w", err)
		}
		pnl, err := decimal.NewFromString(row.PnL)
		if err != nil {
			return nil, fmt.Errorf("parse trade pnl: %w", err)
		}
		reversed = append(reversed, domain.TradeResult{
			PnL: pnl, IsWin: row.IsWin, Strategy: row.Strategy,
			Confidence: row.Confidence, Timestamp: row.Timestamp,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade history: %w", err)
	}

	out := make([]domain.TradeResult, len(reversed))
	for i, r := range reversed {
		out[len(reversed)-1-i] = r
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *TradeHistoryStore) Close() error {
	return s.db.Close()
}
