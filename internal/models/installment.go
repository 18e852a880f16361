package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstallmentStatus captures the state of a single schedule line item.
type InstallmentStatus string

const (
	InstallmentStatusPending  InstallmentStatus = "PENDING"
	InstallmentStatusApproved InstallmentStatus = "APPROVED"
	// InstallmentStatusOverdue is advisory only; overdue items stay payable.
	InstallmentStatusOverdue InstallmentStatus = "OVERDUE"
)

// MaxInstallments bounds the number of schedule line items per plan.
const MaxInstallments = 12

// Unpaid reports whether the line item still expects a payment.
func (s InstallmentStatus) Unpaid() bool {
	return s == InstallmentStatusPending || s == InstallmentStatusOverdue
}

// InstallmentItem is one scheduled installment embedded in a plan.
type InstallmentItem struct {
	PlanID            string            `db:"plan_id" json:"-"`
	InstallmentNumber int               `db:"installment_number" json:"installmentNumber"`
	Amount            decimal.Decimal   `db:"amount" json:"amount"`
	DueDate           time.Time         `db:"due_date" json:"dueDate"`
	Status            InstallmentStatus `db:"status" json:"status"`
	PaymentMethod     *string           `db:"payment_method" json:"paymentMethod,omitempty"`
	SlipURL           *string           `db:"slip_url" json:"slipUrl,omitempty"`
	PaymentID         *string           `db:"payment_id" json:"paymentId,omitempty"`
	PaidDate          *time.Time        `db:"paid_date" json:"paidDate,omitempty"`
}

// InstallmentPlan is a structured multi-payment commitment against one course fee.
type InstallmentPlan struct {
	ID                string            `db:"id" json:"id"`
	StudentID         string            `db:"student_id" json:"studentId"`
	CourseID          string            `db:"course_id" json:"courseId"`
	TotalAmount       decimal.Decimal   `db:"total_amount" json:"totalAmount"`
	DownPayment       decimal.Decimal   `db:"down_payment" json:"downPayment"`
	RemainingAmount   decimal.Decimal   `db:"remaining_amount" json:"remainingAmount"`
	TotalInstallments int               `db:"total_installments" json:"totalInstallments"`
	StartDate         time.Time         `db:"start_date" json:"startDate"`
	AdminApproved     bool              `db:"admin_approved" json:"adminApproved"`
	DownPaymentPaid   bool              `db:"down_payment_paid" json:"downPaymentPaid"`
	AdminComment      *string           `db:"admin_comment" json:"adminComment,omitempty"`
	RejectionReason   *string           `db:"rejection_reason" json:"rejectionReason,omitempty"`
	ReviewedAt        *time.Time        `db:"reviewed_at" json:"reviewedAt,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updatedAt"`
	Schedule          []InstallmentItem `db:"-" json:"schedule"`
}

// HasApprovedItems reports whether any line item has been paid.
func (p *InstallmentPlan) HasApprovedItems() bool {
	for _, item := range p.Schedule {
		if item.Status == InstallmentStatusApproved {
			return true
		}
	}
	return false
}

// Item returns the line item with the given number.
func (p *InstallmentPlan) Item(number int) (*InstallmentItem, bool) {
	for i := range p.Schedule {
		if p.Schedule[i].InstallmentNumber == number {
			return &p.Schedule[i], true
		}
	}
	return nil, false
}

// InstallmentPlanFilter constrains plan listings.
type InstallmentPlanFilter struct {
	StudentID     string
	CourseID      string
	AdminApproved *bool
	Limit         int
	Offset        int
}

// DueInstallment joins a pending line item with the owning plan for reminders.
type DueInstallment struct {
	PlanID            string          `db:"plan_id" json:"planId"`
	StudentID         string          `db:"student_id" json:"studentId"`
	CourseID          string          `db:"course_id" json:"courseId"`
	InstallmentNumber int             `db:"installment_number" json:"installmentNumber"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	DueDate           time.Time       `db:"due_date" json:"dueDate"`
}

// PlanSummary aggregates plans by derived overall status.
type PlanSummary struct {
	TotalPlans       int                       `json:"totalPlans"`
	ByStatus         map[PlanOverallStatus]int `json:"byStatus"`
	OutstandingTotal string                    `json:"outstandingTotal"`
	GeneratedAt      time.Time                 `json:"generatedAt"`
}
