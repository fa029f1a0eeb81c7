package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const userColumns = `id, username, level, experience, tokens, balance::TEXT,
		instrument, leverage::TEXT, state, open_position_id, created_at`

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, id, username string) (*model.User, error) {
	u := NewUser(id, username)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, level, tokens, balance, instrument, leverage, state, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username
		 WHERE EXCLUDED.username <> '' AND users.username <> EXCLUDED.username`,
		u.ID, u.Username, u.Level, u.Tokens, u.Balance.String(),
		u.Instrument, u.Leverage.String(), string(u.State), time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", id, err)
	}
	return s.GetUser(ctx, id)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) GetState(ctx context.Context, userID string) (model.SessionState, error) {
	var state string
	err := s.pool.QueryRow(ctx, `SELECT state FROM users WHERE id = $1`, userID).Scan(&state)
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", userID, notFound(err))
	}
	return model.SessionState(state), nil
}

func (s *PostgresStore) SetState(ctx context.Context, userID string, from, to model.SessionState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET state = $3 WHERE id = $1 AND state = $2`,
		userID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("set state %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) SetPreference(ctx context.Context, userID, instrument string, leverage decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET instrument = $2, leverage = $3::NUMERIC WHERE id = $1`,
		userID, instrument, leverage.String())
	if err != nil {
		return fmt.Errorf("set preference %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreditTokens(ctx context.Context, userID string, amount int) (int, error) {
	var tokens int
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET tokens = tokens + $2 WHERE id = $1 RETURNING tokens`,
		userID, amount).Scan(&tokens)
	if err != nil {
		return 0, fmt.Errorf("credit tokens %s: %w", userID, notFound(err))
	}
	return tokens, nil
}

// OpenPosition locks the user row, checks the session state, open slot and
// token balance, then inserts, debits and moves the state to open inside one
// transaction. The partial unique index on
// positions(user_id) backs the check against writers that bypass the lock.
func (s *PostgresStore) OpenPosition(ctx context.Context, pos *model.Position, from model.SessionState) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin open position: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		state  string
		tokens int
		openID *string
	)
	err = tx.QueryRow(ctx,
		`SELECT state, tokens, open_position_id FROM users WHERE id = $1 FOR UPDATE`,
		pos.UserID).Scan(&state, &tokens, &openID)
	if err != nil {
		return fmt.Errorf("lock user %s: %w", pos.UserID, notFound(err))
	}
	if model.SessionState(state) != from {
		return model.ErrStateConflict
	}
	if openID != nil {
		return model.ErrAlreadyOpen
	}
	if tokens <= 0 {
		return model.ErrInsufficientResource
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, instrument, leverage, entry_price, entry_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		pos.ID, pos.UserID, pos.Instrument,
		pos.Leverage.String(), pos.EntryPrice.String(), pos.EntryAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrAlreadyOpen
		}
		return fmt.Errorf("insert position: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET tokens = tokens - 1, open_position_id = $2, state = $3 WHERE id = $1`,
		pos.UserID, pos.ID, string(model.StateOpen)); err != nil {
		return fmt.Errorf("debit token: %w", err)
	}
	return tx.Commit(ctx)
}

const positionColumns = `id, user_id, instrument, leverage::TEXT, entry_price::TEXT, entry_at,
		exit_price::TEXT, exit_at, pnl_percent::TEXT, reward_id`

func (s *PostgresStore) GetOpenPosition(ctx context.Context, userID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND exit_at IS NULL`, userID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get open position %s: %w", userID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 ORDER BY entry_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// ClosePosition is a compare-and-set on exit_at IS NULL, so only one of two
// racing closes can land.
func (s *PostgresStore) ClosePosition(ctx context.Context, c model.PositionClose, experience int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin close position: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE positions
		 SET exit_price = $2::NUMERIC, exit_at = $3, pnl_percent = $4::NUMERIC, reward_id = $5
		 WHERE id = $1 AND exit_at IS NULL`,
		c.PositionID, c.ExitPrice.String(), c.ExitAt, c.PnLPercent.String(), c.RewardID,
	)
	if err != nil {
		return fmt.Errorf("close position %s: %w", c.PositionID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAlreadyClosed
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users
		 SET open_position_id = NULL,
		     experience = experience + $3,
		     level = $4 + (experience + $3) / $5
		 WHERE id = $1 AND open_position_id = $2`,
		c.UserID, c.PositionID, experience, model.DefaultLevel, model.ExperiencePerLevel); err != nil {
		return fmt.Errorf("release open position: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin ledger append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var balS string
	if err := tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM users WHERE id = $1 FOR UPDATE`, e.UserID).Scan(&balS); err != nil {
		return fmt.Errorf("lock balance %s: %w", e.UserID, notFound(err))
	}
	balance, err := decimal.NewFromString(balS)
	if err != nil {
		return fmt.Errorf("parse balance %s: %w", e.UserID, err)
	}
	after := balance.Add(e.Delta)

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, position_id, pnl_percent, delta, balance_after, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		e.ID, e.UserID, e.PositionID,
		e.PnLPercent.String(), e.Delta.String(), after.String(), e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicateLedgerEntry
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`, e.UserID, after.String()); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	e.BalanceAfter = after
	return nil
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, position_id,
		        pnl_percent::TEXT, delta::TEXT, balance_after::TEXT, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) ListRewards(ctx context.Context) ([]model.Reward, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, emoji, description, tier, min_pnl::TEXT, max_pnl::TEXT,
		        min_level, instruments, leverage_classes
		 FROM rewards ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rewards []model.Reward
	for rows.Next() {
		var r model.Reward
		var tier, minS, maxS string
		if err := rows.Scan(&r.ID, &r.Name, &r.Emoji, &r.Description, &tier,
			&minS, &maxS, &r.MinLevel, &r.Instruments, &r.LeverageClasses); err != nil {
			return nil, err
		}
		t, ok := model.ParseTier(tier)
		if !ok {
			return nil, &model.UnknownTierError{Name: tier}
		}
		r.Tier = t
		r.MinPnL, _ = decimal.NewFromString(minS)
		r.MaxPnL, _ = decimal.NewFromString(maxS)
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

func (s *PostgresStore) UpsertRewards(ctx context.Context, rewards []model.Reward) error {
	batch := &pgx.Batch{}
	for _, r := range rewards {
		instruments := r.Instruments
		if instruments == nil {
			instruments = []string{}
		}
		classes := r.LeverageClasses
		if classes == nil {
			classes = []string{}
		}
		batch.Queue(
			`INSERT INTO rewards (id, name, emoji, description, tier, min_pnl, max_pnl,
			                      min_level, instruments, leverage_classes)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
			   name = EXCLUDED.name, emoji = EXCLUDED.emoji, description = EXCLUDED.description,
			   tier = EXCLUDED.tier, min_pnl = EXCLUDED.min_pnl, max_pnl = EXCLUDED.max_pnl,
			   min_level = EXCLUDED.min_level, instruments = EXCLUDED.instruments,
			   leverage_classes = EXCLUDED.leverage_classes`,
			r.ID, r.Name, r.Emoji, r.Description, r.Tier.String(),
			r.MinPnL.String(), r.MaxPnL.String(), r.MinLevel, instruments, classes,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// pgxRow is the common Scan surface of pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanUser(row pgxRow) (*model.User, error) {
	var u model.User
	var balS, levS, state string
	if err := row.Scan(&u.ID, &u.Username, &u.Level, &u.Experience, &u.Tokens, &balS,
		&u.Instrument, &levS, &state, &u.OpenPositionID, &u.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	u.Balance, _ = decimal.NewFromString(balS)
	u.Leverage, _ = decimal.NewFromString(levS)
	u.State = model.SessionState(state)
	return &u, nil
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var levS, entryS string
	var exitS, pnlS *string
	if err := row.Scan(&p.ID, &p.UserID, &p.Instrument, &levS, &entryS, &p.EntryAt,
		&exitS, &p.ExitAt, &pnlS, &p.RewardID); err != nil {
		return nil, notFound(err)
	}
	p.Leverage, _ = decimal.NewFromString(levS)
	p.EntryPrice, _ = decimal.NewFromString(entryS)
	p.ExitPrice = optionalDecimal(exitS)
	p.PnLPercent = optionalDecimal(pnlS)
	return &p, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var pnlS, deltaS, afterS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.PositionID,
			&pnlS, &deltaS, &afterS, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.PnLPercent, _ = decimal.NewFromString(pnlS)
		e.Delta, _ = decimal.NewFromString(deltaS)
		e.BalanceAfter, _ = decimal.NewFromString(afterS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func optionalDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
