package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable LedgerStore backed by SQLite. All state
// (consumed paymentIds, entitlements, revenue balances, fee config)
// survives process restarts. SQL transactions provide the
// read-modify-write atomicity the engine requires.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite-backed store at the given path
// and ensures all required tables exist. Pass ":memory:" for an
// in-memory database. The fee configuration is seeded with defaultFee
// only when no configuration was persisted before.
func OpenSQLite(dsn string, defaultFee agentpay.FeeConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent settlements.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if _, err := db.Exec(
		`INSERT OR IGNORE INTO fee_config (id, fee_basis_points, treasury) VALUES (1, ?, ?)`,
		defaultFee.FeeBasisPoints, defaultFee.Treasury.Hex(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed fee config: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS consumed_payments (
			payment_id TEXT PRIMARY KEY,
			burned_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS entitlements (
			agent_id INTEGER NOT NULL,
			payer TEXT NOT NULL,
			call_credits INTEGER NOT NULL DEFAULT 0,
			valid_until INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, payer)
		)`,

		`CREATE TABLE IF NOT EXISTS revenue_balances (
			beneficiary TEXT PRIMARY KEY,
			balance TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS fee_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			fee_basis_points INTEGER NOT NULL,
			treasury TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// BurnPaymentID atomically records the paymentId as consumed
func (s *SQLiteStore) BurnPaymentID(ctx context.Context, id agentpay.PaymentID) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO consumed_payments (payment_id, burned_at) VALUES (?, ?)`,
		id.Hex(), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("burn payment id: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("burn payment id: %w", err)
	}
	if inserted == 0 {
		return agentpay.NewSettlementError(agentpay.ErrCodeReplay, "payment %s already settled", id.Hex())
	}
	return nil
}

// IsPaymentIDConsumed reports whether the paymentId was burned
func (s *SQLiteStore) IsPaymentIDConsumed(ctx context.Context, id agentpay.PaymentID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM consumed_payments WHERE payment_id = ?`, id.Hex(),
	).Scan(&count)
	return count > 0, err
}

// Entitlement returns the record for (agentID, payer)
func (s *SQLiteStore) Entitlement(ctx context.Context, agentID uint64, payer common.Address) (agentpay.EntitlementRecord, error) {
	var ent agentpay.EntitlementRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT call_credits, valid_until FROM entitlements WHERE agent_id = ? AND payer = ?`,
		agentID, payer.Hex(),
	).Scan(&ent.CallCredits, &ent.ValidUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return agentpay.EntitlementRecord{}, nil
	}
	return ent, err
}

// AddCallCredit increments the pair's call credits by one
func (s *SQLiteStore) AddCallCredit(ctx context.Context, agentID uint64, payer common.Address) (agentpay.EntitlementRecord, error) {
	var ent agentpay.EntitlementRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entitlements (agent_id, payer, call_credits, valid_until) VALUES (?, ?, 1, 0)
			 ON CONFLICT (agent_id, payer) DO UPDATE SET call_credits = call_credits + 1`,
			agentID, payer.Hex(),
		); err != nil {
			return fmt.Errorf("add call credit: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT call_credits, valid_until FROM entitlements WHERE agent_id = ? AND payer = ?`,
			agentID, payer.Hex(),
		).Scan(&ent.CallCredits, &ent.ValidUntil)
	})
	return ent, err
}

// ExtendValidity stacks a new period onto the pair's validity window
func (s *SQLiteStore) ExtendValidity(ctx context.Context, agentID uint64, payer common.Address, periodSeconds, now int64) (agentpay.EntitlementRecord, error) {
	var ent agentpay.EntitlementRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT call_credits, valid_until FROM entitlements WHERE agent_id = ? AND payer = ?`,
			agentID, payer.Hex(),
		).Scan(&ent.CallCredits, &ent.ValidUntil)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read entitlement: %w", err)
		}

		base := ent.ValidUntil
		if now > base {
			base = now
		}
		ent.ValidUntil = base + periodSeconds

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entitlements (agent_id, payer, call_credits, valid_until) VALUES (?, ?, 0, ?)
			 ON CONFLICT (agent_id, payer) DO UPDATE SET valid_until = excluded.valid_until`,
			agentID, payer.Hex(), ent.ValidUntil,
		); err != nil {
			return fmt.Errorf("extend validity: %w", err)
		}
		return nil
	})
	return ent, err
}

// ConsumeCallCredit decrements the pair's call credits by exactly one
func (s *SQLiteStore) ConsumeCallCredit(ctx context.Context, agentID uint64, payer common.Address) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var credits uint64
		err := tx.QueryRowContext(ctx,
			`SELECT call_credits FROM entitlements WHERE agent_id = ? AND payer = ?`,
			agentID, payer.Hex(),
		).Scan(&credits)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && credits == 0) {
			return agentpay.NewSettlementError(agentpay.ErrCodeNoCredits, "no call credits for agent %d payer %s", agentID, payer.Hex())
		}
		if err != nil {
			return fmt.Errorf("read entitlement: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE entitlements SET call_credits = call_credits - 1 WHERE agent_id = ? AND payer = ?`,
			agentID, payer.Hex(),
		)
		if err != nil {
			return fmt.Errorf("consume call credit: %w", err)
		}
		return nil
	})
}

// CreditRevenue adds amount to the beneficiary's withdrawable balance
func (s *SQLiteStore) CreditRevenue(ctx context.Context, beneficiary common.Address, amount *big.Int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		bal, err := readBalance(ctx, tx, beneficiary)
		if err != nil {
			return err
		}
		bal.Add(bal, amount)
		return writeBalance(ctx, tx, beneficiary, bal)
	})
}

// DebitRevenue subtracts amount from the beneficiary's balance
func (s *SQLiteStore) DebitRevenue(ctx context.Context, beneficiary common.Address, amount *big.Int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		bal, err := readBalance(ctx, tx, beneficiary)
		if err != nil {
			return err
		}
		if bal.Cmp(amount) < 0 {
			return agentpay.NewSettlementError(agentpay.ErrCodeInsufficientBalance, "balance of %s is below %s", beneficiary.Hex(), amount)
		}
		bal.Sub(bal, amount)
		return writeBalance(ctx, tx, beneficiary, bal)
	})
}

// RevenueBalance returns the beneficiary's withdrawable balance
func (s *SQLiteStore) RevenueBalance(ctx context.Context, beneficiary common.Address) (*big.Int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM revenue_balances WHERE beneficiary = ?`, beneficiary.Hex(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return parseBalance(raw)
}

// FeeConfig returns the current fee configuration
func (s *SQLiteStore) FeeConfig(ctx context.Context) (agentpay.FeeConfig, error) {
	var cfg agentpay.FeeConfig
	var treasury string
	err := s.db.QueryRowContext(ctx,
		`SELECT fee_basis_points, treasury FROM fee_config WHERE id = 1`,
	).Scan(&cfg.FeeBasisPoints, &treasury)
	if err != nil {
		return cfg, fmt.Errorf("read fee config: %w", err)
	}
	cfg.Treasury = common.HexToAddress(treasury)
	return cfg, nil
}

// SetFeeConfig replaces the fee configuration
func (s *SQLiteStore) SetFeeConfig(ctx context.Context, cfg agentpay.FeeConfig) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE fee_config SET fee_basis_points = ?, treasury = ? WHERE id = 1`,
		cfg.FeeBasisPoints, cfg.Treasury.Hex(),
	)
	if err != nil {
		return fmt.Errorf("write fee config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func readBalance(ctx context.Context, tx *sql.Tx, beneficiary common.Address) (*big.Int, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM revenue_balances WHERE beneficiary = ?`, beneficiary.Hex(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return parseBalance(raw)
}

func writeBalance(ctx context.Context, tx *sql.Tx, beneficiary common.Address, bal *big.Int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO revenue_balances (beneficiary, balance) VALUES (?, ?)
		 ON CONFLICT (beneficiary) DO UPDATE SET balance = excluded.balance`,
		beneficiary.Hex(), bal.String(),
	)
	if err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

// Balances are stored as decimal strings so token amounts never lose
// precision in the database.
func parseBalance(raw string) (*big.Int, error) {
	bal, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance value %q", raw)
	}
	return bal, nil
}

// Ensure SQLiteStore implements LedgerStore
var _ agentpay.LedgerStore = (*SQLiteStore)(nil)
