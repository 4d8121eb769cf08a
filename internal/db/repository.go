package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"mpesa-reconciler/internal/model"
)

const uniqueViolation = "23505"

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.BeginTx(ctx, pgx.TxOptions{})
}

func (r *Repository) SaveOrder(ctx context.Context, order *model.Order) error {
	if order.Status == "" {
		order.Status = model.OrderPending
	}

	query := `INSERT INTO orders (id, total, currency, status, updated_at)
	          VALUES ($1, $2, $3, $4, now())
	          ON CONFLICT (id) DO UPDATE
	          SET total = EXCLUDED.total, currency = EXCLUDED.currency, updated_at = now()
	          WHERE orders.transaction_id IS NULL`
	_, err := r.pool.Exec(ctx, query, order.ID, order.Total.String(), order.Currency, string(order.Status))
	return errors.Wrap(err, "save order")
}

func (r *Repository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	query := `SELECT id, total::text, currency, status, transaction_id, payment_phone, updated_at
	          FROM orders WHERE id = $1`

	var (
		order  model.Order
		total  string
		status string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&order.ID, &total, &order.Currency, &status,
		&order.TransactionID, &order.PaymentPhone, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}

	if order.Total, err = decimal.NewFromString(total); err != nil {
		return nil, errors.Wrap(err, "parse order total")
	}
	order.Status = model.OrderStatus(status)

	return &order, nil
}

func (r *Repository) CreatePendingPayment(ctx context.Context, p *model.PendingPayment, note string) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if p.Status == "" {
		p.Status = model.StatusPending
	}

	query := `INSERT INTO pending_payments (merchant_request_id, checkout_request_id, order_id, phone, amount, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	          RETURNING created_at, updated_at`
	err = tx.QueryRow(ctx, query, p.MerchantRequestID, p.CheckoutRequestID, p.OrderID, p.Phone,
		p.Amount.String(), string(p.Status)).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert pending payment")
	}

	if err := insertNote(ctx, tx, p.OrderID, note); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const pendingColumns = `merchant_request_id, checkout_request_id, order_id, phone, amount::text, status,
	transaction_id, result_code, result_desc, created_at, updated_at`

func scanPending(row pgx.Row) (*model.PendingPayment, error) {
	var (
		p      model.PendingPayment
		amount string
		status string
	)
	err := row.Scan(&p.MerchantRequestID, &p.CheckoutRequestID, &p.OrderID, &p.Phone, &amount, &status,
		&p.TransactionID, &p.ResultCode, &p.ResultDesc, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, errors.Wrap(err, "parse amount")
	}
	p.Status = model.PaymentStatus(status)

	return &p, nil
}

func (r *Repository) GetPendingPayment(ctx context.Context, merchantRequestID string) (*model.PendingPayment, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_payments WHERE merchant_request_id = $1`

	p, err := scanPending(r.pool.QueryRow(ctx, query, merchantRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get pending payment")
	}
	return p, nil
}

func (r *Repository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PendingPayment, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_payments
	          WHERE status = 'PENDING' AND review_flagged_at IS NULL
	            AND checkout_request_id <> '' AND created_at < $1
	          ORDER BY created_at
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stale pending payments")
	}
	defer rows.Close()

	var payments []*model.PendingPayment
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan pending payment")
		}
		payments = append(payments, p)
	}

	return payments, rows.Err()
}

func (r *Repository) CompletePayment(ctx context.Context, c Completion) (Applied, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE pending_payments SET status = 'COMPLETED', transaction_id = $2, result_code = '0', updated_at = now()
		 WHERE merchant_request_id = $1 AND status = 'PENDING'`,
		c.MerchantRequestID, c.TransactionID)
	if err := settleResult(tag, err, "complete pending payment"); err != nil {
		return 0, err
	}

	applied, note := AppliedToOrder, c.Note
	tag, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, transaction_id = $3, payment_phone = $4, updated_at = now()
		 WHERE id = $1 AND (transaction_id IS NULL OR transaction_id = $3)`,
		c.OrderID, string(c.OrderStatus), c.TransactionID, c.Phone)
	switch {
	case isUniqueViolation(err):
		return 0, ErrAlreadySettled
	case err != nil:
		return 0, errors.Wrap(err, "mark order paid")
	case tag.RowsAffected() == 0:
		// paid by another transaction; the payment still settles
		applied, note = AppliedExtra, c.ExtraNote
	}

	if err := insertNote(ctx, tx, c.OrderID, note); err != nil {
		return 0, err
	}

	return applied, tx.Commit(ctx)
}

func (r *Repository) FailPayment(ctx context.Context, f Failure) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE pending_payments SET status = 'FAILED', result_code = $2, result_desc = $3, updated_at = now()
		 WHERE merchant_request_id = $1 AND status = 'PENDING'`,
		f.MerchantRequestID, f.ResultCode, f.ResultDesc)
	if err := settleResult(tag, err, "fail pending payment"); err != nil {
		return err
	}

	// an order already paid by another route keeps its status
	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1 AND transaction_id IS NULL`,
		f.OrderID, string(f.OrderStatus))
	if err != nil {
		return errors.Wrap(err, "mark order failed")
	}

	if err := insertNote(ctx, tx, f.OrderID, f.Note); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *Repository) RecordC2B(ctx context.Context, s C2BSettlement) (Applied, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	t := s.Transaction

	var paid bool
	err = tx.QueryRow(ctx, `SELECT transaction_id IS NOT NULL FROM orders WHERE id = $1 FOR UPDATE`, t.OrderID).Scan(&paid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "lock order")
	}

	var taken bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pending_payments WHERE transaction_id = $1)`, t.TransID).Scan(&taken)
	if err != nil {
		return 0, errors.Wrap(err, "check transaction id")
	}
	if taken {
		return 0, ErrAlreadySettled
	}

	applied, note := AppliedToOrder, s.Note
	if paid {
		applied, note = AppliedExtra, s.ExtraNote
		t.Outcome = model.C2BAdditional
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO c2b_transactions (trans_id, order_id, amount, phone, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (trans_id) DO NOTHING`,
		t.TransID, t.OrderID, t.Amount.String(), t.Phone, string(t.Outcome))
	if err := settleResult(tag, err, "insert c2b transaction"); err != nil {
		return 0, err
	}

	switch {
	case paid:
	case s.MarkPaid:
		tag, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, transaction_id = $3, payment_phone = $4, updated_at = now()
			 WHERE id = $1 AND transaction_id IS NULL`,
			t.OrderID, string(s.OrderStatus), t.TransID, t.Phone)
		if err := settleResult(tag, err, "mark order paid"); err != nil {
			return 0, err
		}
	default:
		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1 AND transaction_id IS NULL`,
			t.OrderID, string(s.OrderStatus))
		if err != nil {
			return 0, errors.Wrap(err, "update order status")
		}
	}

	if err := insertNote(ctx, tx, t.OrderID, note); err != nil {
		return 0, err
	}

	return applied, tx.Commit(ctx)
}

func (r *Repository) FlagForReview(ctx context.Context, merchantRequestID, note string) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var orderID string
	err = tx.QueryRow(ctx,
		`UPDATE pending_payments SET review_flagged_at = now(), updated_at = now()
		 WHERE merchant_request_id = $1 AND status = 'PENDING' AND review_flagged_at IS NULL
		 RETURNING order_id`,
		merchantRequestID).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadySettled
	}
	if err != nil {
		return errors.Wrap(err, "flag pending payment")
	}

	if err := insertNote(ctx, tx, orderID, note); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *Repository) CreateReversal(ctx context.Context, rev *model.Reversal, note string) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO reversals (id, transaction_id, order_id, amount, conversation_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 RETURNING created_at`,
		rev.ID, rev.TransactionID, rev.OrderID, rev.Amount.String(), rev.ConversationID, rev.Status).Scan(&rev.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert reversal")
	}

	if err := insertNote(ctx, tx, rev.OrderID, note); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *Repository) AddNote(ctx context.Context, orderID, note string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO order_notes (order_id, note, created_at) VALUES ($1, $2, now())`, orderID, note)
	return errors.Wrap(err, "insert order note")
}

func (r *Repository) Notes(ctx context.Context, orderID string) ([]model.OrderNote, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, note, created_at FROM order_notes WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list order notes")
	}
	defer rows.Close()

	var notes []model.OrderNote
	for rows.Next() {
		var n model.OrderNote
		if err := rows.Scan(&n.ID, &n.OrderID, &n.Note, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan order note")
		}
		notes = append(notes, n)
	}

	return notes, rows.Err()
}

func insertNote(ctx context.Context, tx pgx.Tx, orderID, note string) error {
	if note == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `INSERT INTO order_notes (order_id, note, created_at) VALUES ($1, $2, now())`, orderID, note)
	return errors.Wrap(err, "insert order note")
}

// settleResult maps a guarded update to ErrAlreadySettled when it matched nothing
// or collided with an already recorded transaction id.
func settleResult(tag pgconn.CommandTag, err error, op string) error {
	if isUniqueViolation(err) {
		return ErrAlreadySettled
	}
	if err != nil {
		return errors.Wrap(err, op)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
