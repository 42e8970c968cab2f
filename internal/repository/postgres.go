// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/printapic-backend/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrPhotoNotFound возвращается, если фотография не найдена.
	ErrPhotoNotFound = errors.New("photo not found")
	// ErrEditNotFound возвращается, если запись о редактировании не найдена.
	ErrEditNotFound = errors.New("edit not found")
	// ErrNotOwner возвращается, если запись принадлежит другому пользователю.
	ErrNotOwner = errors.New("record owned by another user")
	// ErrInsufficientTokens возвращается при попытке списания, превышающего баланс.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrEditConflict возвращается, если статус записи не соответствует ожидаемому при переходе.
	ErrEditConflict = errors.New("edit status conflict")
)

// EditResult содержит данные завершённой обработки для перехода в статус done.
type EditResult struct {
	ResultPhotoID int64
	Completed     time.Time
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с нулевым балансом токенов.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, tokens, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Tokens, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, tokens, created_at FROM users WHERE id = $1`,
		userID,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Tokens, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreatePhoto сохраняет загруженную фотографию пользователя.
func (r *PostgresRepository) CreatePhoto(ctx context.Context, userID int64, image []byte, caption string) (*model.Photo, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO photos (user_id, image, caption) VALUES ($1, $2, $3) RETURNING id, created_at`,
		userID, image, caption,
	)

	p := model.Photo{
		UserID:    userID,
		Caption:   caption,
		SizeBytes: int64(len(image)),
	}
	if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert photo: %w", err)
	}

	return &p, nil
}

// GetOwnedPhoto возвращает фотографию, проверяя принадлежность пользователю.
func (r *PostgresRepository) GetOwnedPhoto(ctx context.Context, photoID, userID int64) (*model.Photo, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, caption, octet_length(image), created_at FROM photos WHERE id = $1`,
		photoID,
	)

	var p model.Photo
	err := row.Scan(&p.ID, &p.UserID, &p.Caption, &p.SizeBytes, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPhotoNotFound
		}
		return nil, fmt.Errorf("get photo: %w", err)
	}

	if p.UserID != userID {
		return nil, ErrNotOwner
	}

	return &p, nil
}

// GetPhotoImage возвращает содержимое фотографии, проверяя принадлежность пользователю.
func (r *PostgresRepository) GetPhotoImage(ctx context.Context, photoID, userID int64) ([]byte, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, image FROM photos WHERE id = $1`,
		photoID,
	)

	var ownerID int64
	var image []byte
	err := row.Scan(&ownerID, &image)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPhotoNotFound
		}
		return nil, fmt.Errorf("get photo image: %w", err)
	}

	if ownerID != userID {
		return nil, ErrNotOwner
	}

	return image, nil
}

// CreateEdit создаёт запись о редактировании в статусе pending.
func (r *PostgresRepository) CreateEdit(ctx context.Context, userID, photoID int64, instruction string, cost int64) (*model.Edit, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO edits (user_id, photo_id, status, instruction, tokens_cost)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		userID, photoID, string(model.EditStatusPending), instruction, cost,
	)

	e := model.Edit{
		UserID:      userID,
		PhotoID:     photoID,
		Status:      model.EditStatusPending,
		Instruction: instruction,
		TokensCost:  cost,
	}
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert edit: %w", err)
	}

	return &e, nil
}

// GetEditForUser возвращает запись о редактировании, проверяя принадлежность пользователю.
func (r *PostgresRepository) GetEditForUser(ctx context.Context, editID, userID int64) (*model.Edit, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, photo_id, status, instruction, tokens_cost, result_photo_id, completed, created_at
		 FROM edits WHERE id = $1`,
		editID,
	)

	var e model.Edit
	var status string
	err := row.Scan(&e.ID, &e.UserID, &e.PhotoID, &status, &e.Instruction, &e.TokensCost, &e.ResultPhotoID, &e.Completed, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEditNotFound
		}
		return nil, fmt.Errorf("get edit: %w", err)
	}
	e.Status = model.EditStatus(status)

	if e.UserID != userID {
		return nil, ErrNotOwner
	}

	return &e, nil
}

// GetEdit возвращает запись о редактировании без проверки владельца.
// Используется фоновыми воркерами.
func (r *PostgresRepository) GetEdit(ctx context.Context, editID int64) (*model.Edit, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, photo_id, status, instruction, tokens_cost, result_photo_id, completed, created_at
		 FROM edits WHERE id = $1`,
		editID,
	)

	var e model.Edit
	var status string
	err := row.Scan(&e.ID, &e.UserID, &e.PhotoID, &status, &e.Instruction, &e.TokensCost, &e.ResultPhotoID, &e.Completed, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEditNotFound
		}
		return nil, fmt.Errorf("get edit: %w", err)
	}
	e.Status = model.EditStatus(status)

	return &e, nil
}

// TransitionEdit переводит запись из ожидаемого статуса в новый.
// Обновление условное: если текущий статус не совпадает с ожидаемым,
// возвращается ErrEditConflict и запись не изменяется.
func (r *PostgresRepository) TransitionEdit(ctx context.Context, editID int64, from, to model.EditStatus, result *EditResult) error {
	var cmdTag pgconn.CommandTag
	var err error

	if result != nil {
		cmdTag, err = r.pool.Exec(ctx,
			`UPDATE edits SET status = $3, result_photo_id = $4, completed = $5
			 WHERE id = $1 AND status = $2`,
			editID, string(from), string(to), result.ResultPhotoID, result.Completed,
		)
	} else {
		cmdTag, err = r.pool.Exec(ctx,
			`UPDATE edits SET status = $3 WHERE id = $1 AND status = $2`,
			editID, string(from), string(to),
		)
	}
	if err != nil {
		return fmt.Errorf("update edit status: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: edit %d is not %s", ErrEditConflict, editID, from)
	}

	return nil
}

// GetStalePendingEdits возвращает записи, зависшие в статусе pending дольше указанного срока.
func (r *PostgresRepository) GetStalePendingEdits(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	return r.getStaleEdits(ctx, model.EditStatusPending, olderThan, limit)
}

// GetStaleProcessingEdits возвращает записи, зависшие в статусе processing дольше указанного срока.
func (r *PostgresRepository) GetStaleProcessingEdits(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	return r.getStaleEdits(ctx, model.EditStatusProcessing, olderThan, limit)
}

func (r *PostgresRepository) getStaleEdits(ctx context.Context, status model.EditStatus, olderThan time.Duration, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM edits
		 WHERE status = $1 AND created_at < now() - $2::interval
		 ORDER BY created_at
		 LIMIT $3`,
		string(status),
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale edits: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan edit id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// ApplyTokens атомарно изменяет баланс токенов пользователя и добавляет запись журнала.
// Строка пользователя блокируется на время транзакции, поэтому параллельные
// списания не могут увести баланс в минус.
func (r *PostgresRepository) ApplyTokens(ctx context.Context, userID, amount int64, reason string, referenceID int64) (int64, error) {
	var newBalance int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balance int64
		err = tx.QueryRow(ctx, `SELECT tokens FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		if balance+amount < 0 {
			return ErrInsufficientTokens
		}
		newBalance = balance + amount

		_, err = tx.Exec(ctx, `UPDATE users SET tokens = $2 WHERE id = $1`, userID, newBalance)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO token_transactions (user_id, amount, reason, reference_id) VALUES ($1, $2, $3, $4)`,
			userID, amount, reason, referenceID,
		)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return newBalance, nil
}

// GetTransactionsByUser возвращает историю операций с токенами пользователя.
func (r *PostgresRepository) GetTransactionsByUser(ctx context.Context, userID int64) ([]model.TokenTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, reason, reference_id, created_at
		 FROM token_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.TokenTransaction
	for rows.Next() {
		var t model.TokenTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Reason, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateOrder создаёт заказ печати и списывает его стоимость одной транзакцией.
// Блокировка строки пользователя та же, что и в ApplyTokens, поэтому заказ
// и списание либо происходят вместе, либо не происходят вовсе.
func (r *PostgresRepository) CreateOrder(ctx context.Context, userID int64, items []model.OrderItem, total int64, reason string) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balance int64
		err = tx.QueryRow(ctx, `SELECT tokens FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		if balance < total {
			return ErrInsufficientTokens
		}

		o := model.Order{
			UserID:      userID,
			TokensTotal: total,
			Items:       items,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO orders (user_id, tokens_total) VALUES ($1, $2) RETURNING id, created_at`,
			userID, total,
		).Scan(&o.ID, &o.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, it := range items {
			_, err = tx.Exec(ctx,
				`INSERT INTO order_items (order_id, photo_id, edit_id, size, quantity)
				 VALUES ($1, $2, $3, $4, $5)`,
				o.ID, it.PhotoID, it.EditID, it.Size, it.Quantity,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		_, err = tx.Exec(ctx, `UPDATE users SET tokens = tokens - $2 WHERE id = $1`, userID, total)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO token_transactions (user_id, amount, reason, reference_id) VALUES ($1, $2, $3, $4)`,
			userID, -total, reason, o.ID,
		)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		order = &o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrdersByUser возвращает заказы пользователя вместе с позициями.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.user_id, o.tokens_total, o.created_at,
		        i.photo_id, i.edit_id, i.size, i.quantity
		 FROM orders o
		 JOIN order_items i ON i.order_id = o.id
		 WHERE o.user_id = $1
		 ORDER BY o.created_at DESC, o.id, i.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		var (
			o  model.Order
			it model.OrderItem
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.TokensTotal, &o.CreatedAt, &it.PhotoID, &it.EditID, &it.Size, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		if len(res) > 0 && res[len(res)-1].ID == o.ID {
			res[len(res)-1].Items = append(res[len(res)-1].Items, it)
			continue
		}
		o.Items = []model.OrderItem{it}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
