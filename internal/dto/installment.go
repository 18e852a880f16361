package dto

import (
	"github.com/shopspring/decimal"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// CreateInstallmentPlanRequest payload for requesting a payment plan.
type CreateInstallmentPlanRequest struct {
	// StudentID is honoured for administrators only; students always create for themselves.
	StudentID         string          `json:"studentId"`
	CourseID          string          `json:"courseId" validate:"required,max=64"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	DownPayment       decimal.Decimal `json:"downPayment"`
	TotalInstallments int             `json:"totalInstallments" validate:"required,min=1,max=12"`
	StartDate         string          `json:"startDate" validate:"required,datetime=2006-01-02"`
}

// UpdateInstallmentPlanRequest edits an unapproved plan and regenerates its schedule.
type UpdateInstallmentPlanRequest struct {
	TotalInstallments int             `json:"totalInstallments" validate:"required,min=1,max=12"`
	StartDate         string          `json:"startDate" validate:"required,datetime=2006-01-02"`
	DownPayment       decimal.Decimal `json:"downPayment"`
}

// PayInstallmentRequest marks one line item as paid.
type PayInstallmentRequest struct {
	InstallmentNumber int    `json:"installmentNumber" validate:"required,min=1,max=12"`
	PaymentMethod     string `json:"paymentMethod" validate:"required,payment_method"`
	SlipURL           string `json:"slipUrl" validate:"required_if=PaymentMethod Bank,max=500"`
}

// ApproveInstallmentPlanRequest carries an optional reviewer comment.
type ApproveInstallmentPlanRequest struct {
	AdminComment string `json:"adminComment" validate:"max=500"`
}

// RejectInstallmentPlanRequest requires a reason shown to the student.
type RejectInstallmentPlanRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// InstallmentPlanQuery mirrors supported listing filters.
type InstallmentPlanQuery struct {
	StudentID string
	CourseID  string
}
