// Package storage is the durable local store for the paper engine: tape
// rows, orders, fills, positions, PnL snapshots, and a market metadata
// cache. All writes are append-only except the positions table, which is
// upserted. Every numeric column is a fixed-point decimal serialized as a
// string, so prices and sizes round-trip exactly instead of drifting
// through float64 JSON encoding.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// Store wraps a SQLite connection. At runtime all writes go through the
// Writer task in this package; the scheduler's hot path never calls Store
// directly, it posts messages to the Writer instead. Reads (position and
// order restore, tape replay) happen at startup before the hot path runs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// An empty path defaults to "trader.db" in the working directory.
func Open(path string) (*Store, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("storage: getwd: %w", err)
		}
		path = filepath.Join(wd, "trader.db")
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("storage: ping db: %w", err)
	}

	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS markets (
				market_id TEXT PRIMARY KEY,
				event_id  TEXT NOT NULL,
				tick_size TEXT NOT NULL,
				min_size  TEXT NOT NULL,
				status    TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS tape (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				market_id TEXT NOT NULL,
				local_ts  TEXT NOT NULL,
				source_ts TEXT NOT NULL,
				kind      TEXT NOT NULL,
				payload   TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_tape_market_ts ON tape(market_id, local_ts);

			CREATE TABLE IF NOT EXISTS orders (
				order_id        TEXT PRIMARY KEY,
				market_id       TEXT NOT NULL,
				side            TEXT NOT NULL,
				price           TEXT NOT NULL,
				size            TEXT NOT NULL,
				status          TEXT NOT NULL,
				created_ts      TEXT NOT NULL,
				rested_since_ts TEXT NOT NULL,
				filled_size     TEXT NOT NULL,
				avg_fill_price  TEXT NOT NULL,
				reason          TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_orders_market ON orders(market_id);

			CREATE TABLE IF NOT EXISTS fills (
				fill_id   TEXT PRIMARY KEY,
				order_id  TEXT NOT NULL,
				market_id TEXT NOT NULL,
				side      TEXT NOT NULL,
				price     TEXT NOT NULL,
				size      TEXT NOT NULL,
				ts        TEXT NOT NULL,
				fees      TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_fills_market ON fills(market_id);

			CREATE TABLE IF NOT EXISTS positions (
				market_id    TEXT PRIMARY KEY,
				net_size     TEXT NOT NULL,
				avg_price    TEXT NOT NULL,
				realized_pnl TEXT NOT NULL,
				updated_ts   TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS pnl (
				ts           TEXT PRIMARY KEY,
				unrealized   TEXT NOT NULL,
				realized     TEXT NOT NULL,
				open_markets INTEGER NOT NULL
			);

			INSERT INTO schema_version(version) VALUES (1);
		`)
		if err != nil {
			return err
		}
	}

	return nil
}

// tableExists and ensureColumn are kept for future additive migrations
// (none are needed yet beyond version 1).
func (s *Store) tableExists(name string) bool {
	var n string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return err == nil
}

func (s *Store) ensureColumn(table, column, def string) error {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	_, err = s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, def))
	return err
}

// UpsertMarket writes the market-metadata cache row.
func (s *Store) UpsertMarket(m types.Market) error {
	_, err := s.db.Exec(`
		INSERT INTO markets(market_id, event_id, tick_size, min_size, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET event_id=excluded.event_id, status=excluded.status`,
		m.MarketID, m.EventID, m.TickSize.String(), m.MinSize.String(), string(m.Status))
	return err
}

// AppendTape writes a tape row. Callers treat failures as best-effort
// under backpressure; Store itself just reports the error.
func (s *Store) AppendTape(ev types.TapeEvent) error {
	payload, err := json.Marshal(tapePayload{Bids: ev.Bids, Asks: ev.Asks, Trade: ev.Trade, Seq: ev.Seq})
	if err != nil {
		return fmt.Errorf("storage: marshal tape payload: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO tape(market_id, local_ts, source_ts, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.MarketID, ev.LocalTs.Format(time.RFC3339Nano), ev.SourceTs.Format(time.RFC3339Nano), string(ev.Kind), string(payload))
	return err
}

// AppendTapeBatch writes a batch of tape rows in one transaction, the
// write shape the Writer task uses to amortize fsync cost across the
// events it drained in one wake-up.
func (s *Store) AppendTapeBatch(evs []types.TapeEvent) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin tape batch: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO tape(market_id, local_ts, source_ts, kind, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("storage: prepare tape batch: %w", err)
	}
	defer stmt.Close()
	for _, ev := range evs {
		payload, err := json.Marshal(tapePayload{Bids: ev.Bids, Asks: ev.Asks, Trade: ev.Trade, Seq: ev.Seq})
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: marshal tape payload: %w", err)
		}
		if _, err := stmt.Exec(ev.MarketID, ev.LocalTs.Format(time.RFC3339Nano), ev.SourceTs.Format(time.RFC3339Nano), string(ev.Kind), string(payload)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type tapePayload struct {
	Bids  []types.BookLevel `json:"bids"`
	Asks  []types.BookLevel `json:"asks"`
	Trade types.LastTrade   `json:"trade"`
	Seq   int64             `json:"seq"`
}

// ReadTape reads persisted tape rows for a backtest replay, ordered by
// local_ts, optionally bounded by [start, end] (zero time means unbounded).
func (s *Store) ReadTape(start, end time.Time) ([]types.TapeEvent, error) {
	q := `SELECT market_id, local_ts, source_ts, kind, payload FROM tape WHERE 1=1`
	args := []interface{}{}
	if !start.IsZero() {
		q += ` AND local_ts >= ?`
		args = append(args, start.Format(time.RFC3339Nano))
	}
	if !end.IsZero() {
		q += ` AND local_ts <= ?`
		args = append(args, end.Format(time.RFC3339Nano))
	}
	q += ` ORDER BY local_ts ASC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TapeEvent
	for rows.Next() {
		var marketID, localTs, sourceTs, kind, payload string
		if err := rows.Scan(&marketID, &localTs, &sourceTs, &kind, &payload); err != nil {
			return nil, err
		}
		var tp tapePayload
		if err := json.Unmarshal([]byte(payload), &tp); err != nil {
			return nil, fmt.Errorf("storage: unmarshal tape payload: %w", err)
		}
		lts, _ := time.Parse(time.RFC3339Nano, localTs)
		sts, _ := time.Parse(time.RFC3339Nano, sourceTs)
		out = append(out, types.TapeEvent{
			MarketID: marketID,
			Kind:     types.TapeEventKind(kind),
			LocalTs:  lts,
			SourceTs: sts,
			Seq:      tp.Seq,
			Bids:     tp.Bids,
			Asks:     tp.Asks,
			Trade:    tp.Trade,
		})
	}
	return out, rows.Err()
}

// AppendOrder persists (or updates, since order_id is a primary key and
// status/fill fields mutate in place) an order row. Order writes retry
// indefinitely; the caller owns the retry loop.
func (s *Store) AppendOrder(o types.Order) error {
	_, err := s.db.Exec(`
		INSERT INTO orders(order_id, market_id, side, price, size, status, created_ts, rested_since_ts, filled_size, avg_fill_price, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			status=excluded.status,
			rested_since_ts=excluded.rested_since_ts,
			filled_size=excluded.filled_size,
			avg_fill_price=excluded.avg_fill_price,
			reason=excluded.reason`,
		o.OrderID, o.MarketID, string(o.Side), o.Price.String(), o.Size.String(), string(o.Status),
		o.CreatedTs.Format(time.RFC3339Nano), o.RestedSinceTs.Format(time.RFC3339Nano),
		o.FilledSize.String(), o.AvgFillPrice.String(), o.Reason)
	return err
}

// AppendFill writes an append-only fill row.
func (s *Store) AppendFill(f types.Fill) error {
	_, err := s.db.Exec(`
		INSERT INTO fills(fill_id, order_id, market_id, side, price, size, ts, fees) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FillID, f.OrderID, f.MarketID, string(f.Side), f.Price.String(), f.Size.String(),
		f.Ts.Format(time.RFC3339Nano), f.Fees.String())
	return err
}

// UpsertPosition writes the current position row for a market.
func (s *Store) UpsertPosition(p types.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions(market_id, net_size, avg_price, realized_pnl, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			net_size=excluded.net_size, avg_price=excluded.avg_price,
			realized_pnl=excluded.realized_pnl, updated_ts=excluded.updated_ts`,
		p.MarketID, p.NetSize.String(), p.AvgPrice.String(), p.RealizedPnL.String(), p.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// AppendPnLSnapshot writes a periodic PnL rollup row.
func (s *Store) AppendPnLSnapshot(p types.PnLSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO pnl(ts, unrealized, realized, open_markets) VALUES (?, ?, ?, ?)`,
		p.Ts.Format(time.RFC3339Nano), p.Unrealized.String(), p.Realized.String(), p.OpenMarkets)
	return err
}

// LoadPositions restores all positions (used at startup when
// PAPER_RESET_ON_START is false).
func (s *Store) LoadPositions() (map[string]types.Position, error) {
	rows, err := s.db.Query(`SELECT market_id, net_size, avg_price, realized_pnl, updated_ts FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]types.Position)
	for rows.Next() {
		var marketID, netSize, avgPrice, realizedPnL, updatedTs string
		if err := rows.Scan(&marketID, &netSize, &avgPrice, &realizedPnL, &updatedTs); err != nil {
			return nil, err
		}
		n, _ := decimal.NewFromString(netSize)
		a, _ := decimal.NewFromString(avgPrice)
		r, _ := decimal.NewFromString(realizedPnL)
		ts, _ := time.Parse(time.RFC3339Nano, updatedTs)
		out[marketID] = types.Position{MarketID: marketID, NetSize: n, AvgPrice: a, RealizedPnL: r, UpdatedAt: ts}
	}
	return out, rows.Err()
}

// LoadOpenOrders restores all non-terminal orders, used at startup when
// PAPER_RESET_ON_START is false so paper state carries across runs.
func (s *Store) LoadOpenOrders() ([]types.Order, error) {
	rows, err := s.db.Query(`
		SELECT order_id, market_id, side, price, size, status, created_ts, rested_since_ts, filled_size, avg_fill_price, reason
		FROM orders WHERE status IN ('open', 'partial')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var side, status, price, size, createdTs, restedTs, filledSize, avgFillPrice string
		if err := rows.Scan(&o.OrderID, &o.MarketID, &side, &price, &size, &status, &createdTs, &restedTs, &filledSize, &avgFillPrice, &o.Reason); err != nil {
			return nil, err
		}
		o.Side = types.Side(side)
		o.Status = types.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(price)
		o.Size, _ = decimal.NewFromString(size)
		o.FilledSize, _ = decimal.NewFromString(filledSize)
		o.AvgFillPrice, _ = decimal.NewFromString(avgFillPrice)
		o.CreatedTs, _ = time.Parse(time.RFC3339Nano, createdTs)
		o.RestedSinceTs, _ = time.Parse(time.RFC3339Nano, restedTs)
		out = append(out, o)
	}
	return out, rows.Err()
}

// WipeOpenOrders cancels every resting order (used at startup when
// PAPER_RESET_ON_START is true).
func (s *Store) WipeOpenOrders() error {
	_, err := s.db.Exec(`UPDATE orders SET status='cancelled' WHERE status IN ('open', 'partial')`)
	return err
}
