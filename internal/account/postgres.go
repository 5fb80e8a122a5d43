package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `
	id, university_id, email, name, role, department, year, avatar, bio, is_verified,
	password_changed_at, failed_attempts, lock_until, two_factor_enabled,
	password_reset_token_hash, password_reset_expires_at, last_login_at, last_login_ip,
	created_at, updated_at`

func secretColumns(withSecrets bool) string {
	if withSecrets {
		return "password_hash, two_factor_secret"
	}
	return "'' AS password_hash, '' AS two_factor_secret"
}

func (r *PostgresRepository) Insert(ctx context.Context, acc Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, university_id, email, name, role, department, year, avatar, bio, is_verified,
			password_hash, two_factor_enabled, two_factor_secret, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, acc.ID, acc.UniversityID, acc.Email, acc.Name, string(acc.Role), acc.Department, acc.Year,
		acc.Avatar, acc.Bio, acc.IsVerified, acc.PasswordHash, acc.TwoFactorEnabled, acc.TwoFactorSecret,
		acc.CreatedAt.UTC(), acc.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string, withSecrets bool) (Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+`, `+secretColumns(withSecrets)+`
		FROM accounts
		WHERE email = $1
	`, email)
	return r.load(ctx, row, "email")
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string, withSecrets bool) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+`, `+secretColumns(withSecrets)+`
		FROM accounts
		WHERE id = $1
	`, id)
	return r.load(ctx, row, "id")
}

func (r *PostgresRepository) FindIdentity(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+`, `+secretColumns(false)+`
		FROM accounts
		WHERE id = $1
	`, id)

	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account identity: %w", err)
	}
	return acc, nil
}

func (r *PostgresRepository) load(ctx context.Context, row *sql.Row, by string) (Account, error) {
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by %s: %w", by, err)
	}

	if acc.RefreshTokens, err = r.refreshTokens(ctx, acc.ID); err != nil {
		return Account{}, err
	}
	if acc.SecurityEvents, err = r.SecurityEvents(ctx, acc.ID, MaxSecurityEvents); err != nil {
		return Account{}, err
	}

	return acc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var acc Account
	var role string
	var changedAt, lockUntil, resetExpires, lastLogin sql.NullTime
	var resetHash sql.NullString

	err := row.Scan(
		&acc.ID, &acc.UniversityID, &acc.Email, &acc.Name, &role, &acc.Department, &acc.Year,
		&acc.Avatar, &acc.Bio, &acc.IsVerified, &changedAt, &acc.FailedAttempts, &lockUntil,
		&acc.TwoFactorEnabled, &resetHash, &resetExpires, &lastLogin, &acc.LastLoginIP,
		&acc.CreatedAt, &acc.UpdatedAt, &acc.PasswordHash, &acc.TwoFactorSecret,
	)
	if err != nil {
		return Account{}, err
	}

	acc.Role = Role(role)
	acc.PasswordChangedAt = nullTime(changedAt)
	acc.LockUntil = nullTime(lockUntil)
	acc.PasswordResetExpiresAt = nullTime(resetExpires)
	acc.LastLoginAt = nullTime(lastLogin)
	acc.PasswordResetTokenHash = resetHash.String
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()

	return acc, nil
}

func (r *PostgresRepository) refreshTokens(ctx context.Context, id string) ([]RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token_hash, created_at, expires_at, device_info
		FROM account_refresh_tokens
		WHERE account_id = $1
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query refresh tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]RefreshToken, 0, MaxRefreshTokens)
	for rows.Next() {
		var rt RefreshToken
		if err := rows.Scan(&rt.TokenHash, &rt.CreatedAt, &rt.ExpiresAt, &rt.DeviceInfo); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		rt.CreatedAt = rt.CreatedAt.UTC()
		rt.ExpiresAt = rt.ExpiresAt.UTC()
		tokens = append(tokens, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return tokens, nil
}

func (r *PostgresRepository) RegisterFailedAttempt(ctx context.Context, id string, maxAttempts int, lockUntil, now time.Time) (LockState, error) {
	var state LockState
	var until sql.NullTime

	// SET expressions all read the pre-update row, so the increment and the lock
	// decision happen in one statement without a read-modify-write race.
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET
			failed_attempts = CASE
				WHEN lock_until IS NOT NULL AND lock_until <= $2 THEN 1
				ELSE failed_attempts + 1
			END,
			lock_until = CASE
				WHEN lock_until IS NOT NULL AND lock_until <= $2 THEN NULL
				WHEN lock_until IS NULL AND failed_attempts + 1 >= $3 THEN $4
				ELSE lock_until
			END,
			updated_at = $2
		WHERE id = $1
		RETURNING failed_attempts, lock_until
	`, id, now.UTC(), maxAttempts, lockUntil.UTC()).Scan(&state.FailedAttempts, &until)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockState{}, ErrNotFound
		}
		return LockState{}, fmt.Errorf("register failed attempt: %w", err)
	}

	state.LockUntil = nullTime(until)
	return state, nil
}

func (r *PostgresRepository) RecordLogin(ctx context.Context, id, address string, at time.Time) error {
	return r.execOne(ctx, "record login", `
		UPDATE accounts
		SET failed_attempts = 0, lock_until = NULL, last_login_at = $2, last_login_ip = $3, updated_at = $2
		WHERE id = $1
	`, id, at.UTC(), address)
}

func (r *PostgresRepository) ClearLock(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "clear lock", `
		UPDATE accounts
		SET failed_attempts = 0, lock_until = NULL, updated_at = $2
		WHERE id = $1
	`, id, at.UTC())
}

func (r *PostgresRepository) AppendSecurityEvent(ctx context.Context, id string, event SecurityEvent, keep int) error {
	rowID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate security event id: %w", err)
	}

	return r.withLockedAccount(ctx, id, "security event", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO account_security_events (id, account_id, type, source_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rowID.String(), id, string(event.Type), event.SourceAddress, event.UserAgent, event.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert security event: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM account_security_events
			WHERE account_id = $1 AND id NOT IN (
				SELECT id FROM account_security_events
				WHERE account_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			)
		`, id, keep); err != nil {
			return fmt.Errorf("trim security events: %w", err)
		}

		return nil
	})
}

func (r *PostgresRepository) SecurityEvents(ctx context.Context, id string, limit int) ([]SecurityEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT type, source_address, user_agent, created_at
		FROM (
			SELECT id, type, source_address, user_agent, created_at
			FROM account_security_events
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0, limit)
	for rows.Next() {
		var ev SecurityEvent
		var typ string
		if err := rows.Scan(&typ, &ev.SourceAddress, &ev.UserAgent, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		ev.Type = EventType(typ)
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}

	return events, nil
}

func (r *PostgresRepository) AddRefreshToken(ctx context.Context, id string, token RefreshToken, keep int) error {
	rowID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	return r.withLockedAccount(ctx, id, "refresh token", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO account_refresh_tokens (id, account_id, token_hash, device_info, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rowID.String(), id, token.TokenHash, token.DeviceInfo, token.CreatedAt.UTC(), token.ExpiresAt.UTC()); err != nil {
			return fmt.Errorf("insert refresh token: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM account_refresh_tokens
			WHERE account_id = $1 AND id NOT IN (
				SELECT id FROM account_refresh_tokens
				WHERE account_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			)
		`, id, keep); err != nil {
			return fmt.Errorf("trim refresh tokens: %w", err)
		}

		return nil
	})
}

func (r *PostgresRepository) RemoveRefreshToken(ctx context.Context, id, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM account_refresh_tokens
		WHERE account_id = $1 AND token_hash = $2
	`, id, tokenHash)
	if err != nil {
		return fmt.Errorf("remove refresh token: %w", err)
	}

	return nil
}

func (r *PostgresRepository) HasRefreshToken(ctx context.Context, id, tokenHash string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM account_refresh_tokens
			WHERE account_id = $1 AND token_hash = $2 AND expires_at > $3
		)
	`, id, tokenHash, now.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check refresh token: %w", err)
	}

	return exists, nil
}

func (r *PostgresRepository) SetPassword(ctx context.Context, id, hash string, changedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set password tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, password_changed_at = $3,
			password_reset_token_hash = NULL, password_reset_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`, id, hash, changedAt.UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := requireOne(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM account_refresh_tokens WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("wipe refresh tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set password tx: %w", err)
	}

	return nil
}

func (r *PostgresRepository) SetResetTicket(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	return r.execOne(ctx, "set reset ticket", `
		UPDATE accounts
		SET password_reset_token_hash = $2, password_reset_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, tokenHash, expiresAt.UTC())
}

func (r *PostgresRepository) ConsumeResetTicket(ctx context.Context, tokenHash, newHash string, changedAt, now time.Time) (Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	// A concurrent consumer blocks on the row lock and then sees the cleared hash.
	var id string
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, password_changed_at = $3,
			password_reset_token_hash = NULL, password_reset_expires_at = NULL,
			updated_at = $4
		WHERE password_reset_token_hash = $1 AND password_reset_expires_at > $4
		RETURNING id
	`, tokenHash, newHash, changedAt.UTC(), now.UTC()).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("consume reset ticket: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM account_refresh_tokens WHERE account_id = $1`, id); err != nil {
		return Account{}, fmt.Errorf("wipe refresh tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("commit reset tx: %w", err)
	}

	return r.FindByID(ctx, id, false)
}

func (r *PostgresRepository) UpdateProfile(ctx context.Context, id string, update ProfileUpdate, now time.Time) (Account, error) {
	q := sq.Update("accounts").
		PlaceholderFormat(sq.Dollar).
		Set("updated_at", now.UTC()).
		Where(sq.Eq{"id": id})

	if update.Name != nil {
		q = q.Set("name", *update.Name)
	}
	if update.Bio != nil {
		q = q.Set("bio", *update.Bio)
	}
	if update.Department != nil {
		q = q.Set("department", *update.Department)
	}
	if update.Year != nil {
		q = q.Set("year", *update.Year)
	}
	if update.Avatar != nil {
		q = q.Set("avatar", *update.Avatar)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return Account{}, fmt.Errorf("build profile update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Account{}, fmt.Errorf("update profile: %w", err)
	}
	if err := requireOne(res); err != nil {
		return Account{}, err
	}

	return r.FindByID(ctx, id, false)
}

func (r *PostgresRepository) Cleanup(ctx context.Context, now time.Time, batchSize int) (CleanupResult, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM account_refresh_tokens
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM account_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now.UTC(), batchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	deletedTokens, err := res.RowsAffected()
	if err != nil {
		return CleanupResult{}, fmt.Errorf("expired refresh tokens rows affected: %w", err)
	}

	res, err = r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_reset_token_hash = NULL, password_reset_expires_at = NULL
		WHERE id IN (
			SELECT id FROM accounts
			WHERE password_reset_expires_at IS NOT NULL AND password_reset_expires_at <= $1
			LIMIT $2
		)
	`, now.UTC(), batchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("clear expired reset tickets: %w", err)
	}
	clearedTickets, err := res.RowsAffected()
	if err != nil {
		return CleanupResult{}, fmt.Errorf("expired reset tickets rows affected: %w", err)
	}

	return CleanupResult{DeletedRefreshTokens: deletedTokens, ClearedResetTickets: clearedTickets}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// withLockedAccount runs fn in a transaction holding the account row lock, so
// concurrent inserts into the capped child tables trim against a stable view.
func (r *PostgresRepository) withLockedAccount(ctx context.Context, id, what string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", what, err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock account for %s: %w", what, err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", what, err)
	}

	return nil
}

func (r *PostgresRepository) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return requireOne(res)
}

func requireOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
