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
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/drivingschool-api/internal/models"
)

var (
	// ErrPlanLocked signals that a plan is approved or has received payments.
	ErrPlanLocked = errors.New("installment plan is locked")
	// ErrInstallmentNotFound signals that the plan has no such line item.
	ErrInstallmentNotFound = errors.New("installment not found")
	// ErrInstallmentAlreadyPaid signals that the line item is already approved.
	ErrInstallmentAlreadyPaid = errors.New("installment already paid")
	// ErrPlanNotSettleable signals that a down payment cannot be applied to the plan.
	ErrPlanNotSettleable = errors.New("installment plan cannot accept the down payment")
)

const planColumns = `id, student_id, course_id, total_amount, down_payment, remaining_amount, total_installments,
       start_date, admin_approved, down_payment_paid, admin_comment, rejection_reason, reviewed_at, created_at, updated_at`

const itemColumns = `plan_id, installment_number, amount, due_date, status, payment_method, slip_url, payment_id, paid_date`

// InstallmentPlanRepository persists plans together with their embedded schedule.
type InstallmentPlanRepository struct {
	db *sqlx.DB
}

// NewInstallmentPlanRepository constructs the repository.
func NewInstallmentPlanRepository(db *sqlx.DB) *InstallmentPlanRepository {
	return &InstallmentPlanRepository{db: db}
}

// Create inserts the plan and its schedule atomically.
func (r *InstallmentPlanRepository) Create(ctx context.Context, plan *models.InstallmentPlan) (err error) {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = plan.CreatedAt

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin plan transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `INSERT INTO installment_plans
	(id, student_id, course_id, total_amount, down_payment, remaining_amount, total_installments, start_date,
	 admin_approved, down_payment_paid, admin_comment, rejection_reason, reviewed_at, created_at, updated_at)
	VALUES (:id, :student_id, :course_id, :total_amount, :down_payment, :remaining_amount, :total_installments, :start_date,
	 :admin_approved, :down_payment_paid, :admin_comment, :rejection_reason, :reviewed_at, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, query, plan); err != nil {
		return fmt.Errorf("create installment plan: %w", err)
	}
	if err = insertItems(ctx, tx, plan.ID, plan.Schedule); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit installment plan: %w", err)
	}
	return nil
}

// GetByID fetches a plan with its schedule. Identifiers that are not UUIDs
// cannot exist and report sql.ErrNoRows.
func (r *InstallmentPlanRepository) GetByID(ctx context.Context, id string) (*models.InstallmentPlan, error) {
	if !isUUID(id) {
		return nil, sql.ErrNoRows
	}
	query := fmt.Sprintf(`SELECT %s FROM installment_plans WHERE id = $1`, planColumns)
	var plan models.InstallmentPlan
	if err := r.db.GetContext(ctx, &plan, query, id); err != nil {
		return nil, err
	}
	items, err := r.itemsFor(ctx, []string{plan.ID})
	if err != nil {
		return nil, err
	}
	plan.Schedule = items[plan.ID]
	return &plan, nil
}

// List returns plans matching the filter, newest first. A non-positive limit returns every row.
func (r *InstallmentPlanRepository) List(ctx context.Context, filter models.InstallmentPlanFilter) ([]models.InstallmentPlan, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 3)
	builder.WriteString(fmt.Sprintf("SELECT %s FROM installment_plans", planColumns))

	conditions := make([]string, 0, 3)
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.CourseID != "" {
		args = append(args, filter.CourseID)
		conditions = append(conditions, fmt.Sprintf("course_id = $%d", len(args)))
	}
	if filter.AdminApproved != nil {
		args = append(args, *filter.AdminApproved)
		conditions = append(conditions, fmt.Sprintf("admin_approved = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		offset := filter.Offset
		if offset < 0 {
			offset = 0
		}
		builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, offset))
	}

	var plans []models.InstallmentPlan
	if err := r.db.SelectContext(ctx, &plans, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list installment plans: %w", err)
	}
	if len(plans) == 0 {
		return plans, nil
	}
	ids := make([]string, len(plans))
	for i := range plans {
		ids[i] = plans[i].ID
	}
	items, err := r.itemsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		plans[i].Schedule = items[plans[i].ID]
	}
	return plans, nil
}

// ReplaceSchedule rewrites the plan terms and regenerates every line item. It only
// succeeds while the plan is unapproved, its down payment is unpaid and it has no
// approved installments.
func (r *InstallmentPlanRepository) ReplaceSchedule(ctx context.Context, plan *models.InstallmentPlan) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin plan transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	plan.UpdatedAt = time.Now().UTC()
	const update = `UPDATE installment_plans
	SET down_payment = $2, remaining_amount = $3, total_installments = $4, start_date = $5, updated_at = $6,
	    rejection_reason = NULL
	WHERE id = $1 AND admin_approved = FALSE AND down_payment_paid = FALSE
	  AND NOT EXISTS (SELECT 1 FROM installment_items WHERE plan_id = $1 AND status = 'APPROVED')`
	result, err := tx.ExecContext(ctx, update, plan.ID, plan.DownPayment, plan.RemainingAmount,
		plan.TotalInstallments, plan.StartDate, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update installment plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check installment plan update rows: %w", err)
	}
	if rows == 0 {
		err = ErrPlanLocked
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM installment_items WHERE plan_id = $1`, plan.ID); err != nil {
		return fmt.Errorf("clear installment schedule: %w", err)
	}
	if err = insertItems(ctx, tx, plan.ID, plan.Schedule); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit installment schedule: %w", err)
	}
	return nil
}

// ReviewPlanParams carries the admin decision for a plan.
type ReviewPlanParams struct {
	ID              string
	Approved        bool
	AdminComment    *string
	RejectionReason *string
	ReviewedAt      time.Time
}

// SetReview records an approval or rejection. Approving a plan without a down
// payment also marks the down payment as settled.
func (r *InstallmentPlanRepository) SetReview(ctx context.Context, params ReviewPlanParams) error {
	const query = `UPDATE installment_plans
	SET admin_approved = :admin_approved, admin_comment = :admin_comment, rejection_reason = :rejection_reason,
	    down_payment_paid = CASE WHEN :admin_approved AND down_payment = 0 THEN TRUE ELSE down_payment_paid END,
	    reviewed_at = :reviewed_at, updated_at = :reviewed_at
	WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":               params.ID,
		"admin_approved":   params.Approved,
		"admin_comment":    params.AdminComment,
		"rejection_reason": params.RejectionReason,
		"reviewed_at":      params.ReviewedAt,
	})
	if err != nil {
		return fmt.Errorf("review installment plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check installment plan review rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SettleInstallmentParams identifies the line item being paid.
type SettleInstallmentParams struct {
	PlanID            string
	InstallmentNumber int
	PaymentMethod     string
	SlipURL           *string
	PaymentID         *string
	PaidAt            time.Time
}

// MarkItemApproved approves one line item and decrements the remaining balance in
// a single transaction. The conditional write makes concurrent calls settle once.
func (r *InstallmentPlanRepository) MarkItemApproved(ctx context.Context, params SettleInstallmentParams) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin installment transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = settleInstallment(ctx, tx, params); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit installment approval: %w", err)
	}
	return nil
}

// Delete removes an unapproved plan with no settled down payment or installment.
// Line items cascade.
func (r *InstallmentPlanRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM installment_plans
	WHERE id = $1 AND admin_approved = FALSE AND down_payment_paid = FALSE
	  AND NOT EXISTS (SELECT 1 FROM installment_items WHERE plan_id = $1 AND status = 'APPROVED')`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete installment plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check installment plan delete rows: %w", err)
	}
	if rows == 0 {
		return ErrPlanLocked
	}
	return nil
}

// MarkOverdue flags pending line items whose due date is before the given day.
func (r *InstallmentPlanRepository) MarkOverdue(ctx context.Context, today time.Time) (int64, error) {
	const query = `UPDATE installment_items SET status = 'OVERDUE' WHERE status = 'PENDING' AND due_date < $1`
	result, err := r.db.ExecContext(ctx, query, today)
	if err != nil {
		return 0, fmt.Errorf("mark overdue installments: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check overdue rows: %w", err)
	}
	return rows, nil
}

// ListDueBetween returns pending line items due within [from, to], inclusive, of
// plans that are approved and have their down payment settled.
func (r *InstallmentPlanRepository) ListDueBetween(ctx context.Context, from, to time.Time) ([]models.DueInstallment, error) {
	const query = `SELECT i.plan_id, p.student_id, p.course_id, i.installment_number, i.amount, i.due_date
	FROM installment_items i
	JOIN installment_plans p ON p.id = i.plan_id
	WHERE i.status = 'PENDING' AND i.due_date BETWEEN $1 AND $2
	  AND p.admin_approved = TRUE AND p.down_payment_paid = TRUE
	ORDER BY i.due_date, p.student_id, i.installment_number`
	var due []models.DueInstallment
	if err := r.db.SelectContext(ctx, &due, query, from, to); err != nil {
		return nil, fmt.Errorf("list due installments: %w", err)
	}
	return due, nil
}

func (r *InstallmentPlanRepository) itemsFor(ctx context.Context, planIDs []string) (map[string][]models.InstallmentItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM installment_items WHERE plan_id = ANY($1) ORDER BY plan_id, installment_number`, itemColumns)
	var items []models.InstallmentItem
	if err := r.db.SelectContext(ctx, &items, query, pq.Array(planIDs)); err != nil {
		return nil, fmt.Errorf("load installment schedule: %w", err)
	}
	grouped := make(map[string][]models.InstallmentItem, len(planIDs))
	for _, item := range items {
		grouped[item.PlanID] = append(grouped[item.PlanID], item)
	}
	return grouped, nil
}

func insertItems(ctx context.Context, tx *sqlx.Tx, planID string, items []models.InstallmentItem) error {
	const query = `INSERT INTO installment_items
	(plan_id, installment_number, amount, due_date, status, payment_method, slip_url, payment_id, paid_date)
	VALUES (:plan_id, :installment_number, :amount, :due_date, :status, :payment_method, :slip_url, :payment_id, :paid_date)`
	for i := range items {
		items[i].PlanID = planID
		if items[i].Status == "" {
			items[i].Status = models.InstallmentStatusPending
		}
		if _, err := tx.NamedExecContext(ctx, query, items[i]); err != nil {
			return fmt.Errorf("insert installment %d: %w", items[i].InstallmentNumber, err)
		}
	}
	return nil
}

// settleInstallment approves a line item inside tx and decrements the plan balance.
func settleInstallment(ctx context.Context, tx *sqlx.Tx, params SettleInstallmentParams) error {
	const approve = `UPDATE installment_items
	SET status = 'APPROVED', payment_method = $3, slip_url = $4, payment_id = $5, paid_date = $6
	WHERE plan_id = $1 AND installment_number = $2 AND status <> 'APPROVED'
	RETURNING amount`
	var amount decimal.Decimal
	err := tx.QueryRowxContext(ctx, approve, params.PlanID, params.InstallmentNumber, params.PaymentMethod,
		params.SlipURL, params.PaymentID, params.PaidAt).Scan(&amount)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("approve installment: %w", err)
		}
		var status string
		lookup := tx.QueryRowxContext(ctx, `SELECT status FROM installment_items WHERE plan_id = $1 AND installment_number = $2`,
			params.PlanID, params.InstallmentNumber).Scan(&status)
		if errors.Is(lookup, sql.ErrNoRows) {
			return ErrInstallmentNotFound
		}
		if lookup != nil {
			return fmt.Errorf("lookup installment: %w", lookup)
		}
		return ErrInstallmentAlreadyPaid
	}

	const decrement = `UPDATE installment_plans
	SET remaining_amount = GREATEST(remaining_amount - $2, 0), updated_at = $3
	WHERE id = $1`
	if _, err := tx.ExecContext(ctx, decrement, params.PlanID, amount, params.PaidAt); err != nil {
		return fmt.Errorf("decrement remaining amount: %w", err)
	}
	return nil
}

// settleDownPayment flips the down payment flag inside tx when amount still
// matches the plan's down payment.
func settleDownPayment(ctx context.Context, tx *sqlx.Tx, planID string, amount decimal.Decimal, at time.Time) error {
	const query = `UPDATE installment_plans SET down_payment_paid = TRUE, updated_at = $2
	WHERE id = $1 AND admin_approved = TRUE AND down_payment_paid = FALSE AND down_payment = $3`
	result, err := tx.ExecContext(ctx, query, planID, at, amount)
	if err != nil {
		return fmt.Errorf("settle down payment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check down payment rows: %w", err)
	}
	if rows == 0 {
		return ErrPlanNotSettleable
	}
	return nil
}
