package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/drivingschool-api/internal/models"
)

// ErrPaymentNotPending signals a write against an approved or rejected payment.
var ErrPaymentNotPending = errors.New("payment is not pending")

const paymentColumns = `id, student_name, course_name, amount, payment_type, status, payment_method, card_holder, card_last4,
       card_expiry, slip_url, transaction_id, plan_id, installment_number, receipt_url, paid_date, admin_comment,
       created_at, updated_at`

// PaymentRepository persists payment transactions.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create inserts a new payment row.
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentStatusPending
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.UpdatedAt = payment.CreatedAt
	const query = `INSERT INTO payments
	(id, student_name, course_name, amount, payment_type, status, payment_method, card_holder, card_last4, card_expiry,
	 slip_url, transaction_id, plan_id, installment_number, receipt_url, paid_date, admin_comment, created_at, updated_at)
	VALUES (:id, :student_name, :course_name, :amount, :payment_type, :status, :payment_method, :card_holder, :card_last4,
	 :card_expiry, :slip_url, :transaction_id, :plan_id, :installment_number, :receipt_url, :paid_date, :admin_comment,
	 :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, payment); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// GetByID fetches a payment by identifier.
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	if !isUUID(id) {
		return nil, sql.ErrNoRows
	}
	query := fmt.Sprintf(`SELECT %s FROM payments WHERE id = $1`, paymentColumns)
	var payment models.Payment
	if err := r.db.GetContext(ctx, &payment, query, id); err != nil {
		return nil, err
	}
	return &payment, nil
}

// List returns payments matching the filter, newest first, with the total count.
func (r *PaymentRepository) List(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int, error) {
	args := make([]interface{}, 0, 8)
	conditions := make([]string, 0, 6)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.StudentName != "" {
		args = append(args, filter.StudentName)
		conditions = append(conditions, fmt.Sprintf("student_name = $%d", len(args)))
	}
	if filter.CourseName != "" {
		args = append(args, filter.CourseName)
		conditions = append(conditions, fmt.Sprintf("course_name = $%d", len(args)))
	}
	if filter.PlanID != "" {
		args = append(args, filter.PlanID)
		conditions = append(conditions, fmt.Sprintf("plan_id = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM payments"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 500 {
		size = 50
	}
	query := fmt.Sprintf("SELECT %s FROM payments%s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		paymentColumns, where, size, (page-1)*size)

	var payments []models.Payment
	if err := r.db.SelectContext(ctx, &payments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	return payments, total, nil
}

// UpdatePending rewrites the editable columns of a pending payment.
func (r *PaymentRepository) UpdatePending(ctx context.Context, payment *models.Payment) error {
	payment.UpdatedAt = time.Now().UTC()
	const query = `UPDATE payments
	SET course_name = :course_name, amount = :amount, payment_method = :payment_method, card_holder = :card_holder,
	    card_last4 = :card_last4, card_expiry = :card_expiry, slip_url = :slip_url, transaction_id = :transaction_id,
	    updated_at = :updated_at
	WHERE id = :id AND status = 'Pending'`
	result, err := r.db.NamedExecContext(ctx, query, payment)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return expectOneRow(result, "update payment")
}

// DeletePending removes a pending payment.
func (r *PaymentRepository) DeletePending(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM payments WHERE id = $1 AND status = 'Pending'`, id)
	if err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	return expectOneRow(result, "delete payment")
}

// ApprovePaymentParams carries the approval outcome and the plan settlement target.
type ApprovePaymentParams struct {
	ID           string
	AdminComment *string
	PaidAt       time.Time

	// Amount must equal the plan's current down payment when settling one.
	Amount decimal.Decimal

	// PlanID and InstallmentNumber mirror the payment's stored plan reference.
	PlanID            *string
	InstallmentNumber *int
	PaymentMethod     string
	SlipURL           *string
}

// Approve marks a pending payment approved and settles the referenced plan in the
// same transaction: a down payment flips the plan flag, an installment payment
// approves the line item and decrements the remaining balance.
func (r *PaymentRepository) Approve(ctx context.Context, params ApprovePaymentParams) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin payment transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `UPDATE payments SET status = 'Approved', paid_date = $2, admin_comment = $3, updated_at = $2
	WHERE id = $1 AND status = 'Pending'`
	result, err := tx.ExecContext(ctx, query, params.ID, params.PaidAt, params.AdminComment)
	if err != nil {
		return fmt.Errorf("approve payment: %w", err)
	}
	if err = expectOneRow(result, "approve payment"); err != nil {
		return err
	}

	if params.PlanID != nil {
		if params.InstallmentNumber == nil {
			err = settleDownPayment(ctx, tx, *params.PlanID, params.Amount, params.PaidAt)
		} else {
			paymentID := params.ID
			err = settleInstallment(ctx, tx, SettleInstallmentParams{
				PlanID:            *params.PlanID,
				InstallmentNumber: *params.InstallmentNumber,
				PaymentMethod:     params.PaymentMethod,
				SlipURL:           params.SlipURL,
				PaymentID:         &paymentID,
				PaidAt:            params.PaidAt,
			})
		}
		if err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit payment approval: %w", err)
	}
	return nil
}

// Reject marks a pending payment rejected.
func (r *PaymentRepository) Reject(ctx context.Context, id string, comment *string, at time.Time) error {
	const query = `UPDATE payments SET status = 'Rejected', admin_comment = $2, updated_at = $3
	WHERE id = $1 AND status = 'Pending'`
	result, err := r.db.ExecContext(ctx, query, id, comment, at)
	if err != nil {
		return fmt.Errorf("reject payment: %w", err)
	}
	return expectOneRow(result, "reject payment")
}

// SetReceiptURL stores the receipt reference of an approved payment.
func (r *PaymentRepository) SetReceiptURL(ctx context.Context, id, url string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE payments SET receipt_url = $2 WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("set receipt url: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check receipt rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func expectOneRow(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check %s rows: %w", op, err)
	}
	if rows == 0 {
		return ErrPaymentNotPending
	}
	return nil
}
