package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType distinguishes one-shot course payments from plan transactions.
type PaymentType string

const (
	PaymentTypeFull PaymentType = "Full"
	// PaymentTypeInstallment marks a single down payment or installment transaction
	// against a plan. It does not mean the payment is itself a plan.
	PaymentTypeInstallment PaymentType = "Installment"
)

// PaymentStatus captures the approval workflow of a payment.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "Pending"
	PaymentStatusApproved PaymentStatus = "Approved"
	PaymentStatusRejected PaymentStatus = "Rejected"
)

// PaymentMethod determines which auxiliary fields a payment carries.
type PaymentMethod string

const (
	PaymentMethodCard PaymentMethod = "Card"
	PaymentMethodBank PaymentMethod = "Bank"
	PaymentMethodCash PaymentMethod = "Cash"
)

// CourseName enumerates the course categories a payment can be made for.
type CourseName string

const (
	CourseMotorcycle   CourseName = "Motorcycle"
	CourseLightVehicle CourseName = "Light Vehicle"
	CourseHeavyVehicle CourseName = "Heavy Vehicle"
	CourseThreeWheeler CourseName = "Three Wheeler"
)

// CourseNames lists every accepted course category.
var CourseNames = []CourseName{CourseMotorcycle, CourseLightVehicle, CourseHeavyVehicle, CourseThreeWheeler}

// Payment is a single payment transaction. It realises Full payments as well as
// the down payment and each installment of a plan.
//
// StudentName stores the student identifier, not a display name. The column and
// JSON field keep the legacy name so existing clients continue to work.
type Payment struct {
	ID                string          `db:"id" json:"id"`
	StudentName       string          `db:"student_name" json:"studentName"`
	CourseName        CourseName      `db:"course_name" json:"courseName"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	PaymentType       PaymentType     `db:"payment_type" json:"paymentType"`
	Status            PaymentStatus   `db:"status" json:"status"`
	PaymentMethod     PaymentMethod   `db:"payment_method" json:"paymentMethod"`
	CardHolder        *string         `db:"card_holder" json:"cardHolder,omitempty"`
	CardLast4         *string         `db:"card_last4" json:"cardLast4,omitempty"`
	CardExpiry        *string         `db:"card_expiry" json:"cardExpiry,omitempty"`
	SlipURL           *string         `db:"slip_url" json:"slipUrl,omitempty"`
	TransactionID     *string         `db:"transaction_id" json:"transactionId,omitempty"`
	PlanID            *string         `db:"plan_id" json:"planId,omitempty"`
	InstallmentNumber *int            `db:"installment_number" json:"installmentNumber,omitempty"`
	ReceiptURL        *string         `db:"receipt_url" json:"receiptUrl,omitempty"`
	PaidDate          *time.Time      `db:"paid_date" json:"paidDate,omitempty"`
	AdminComment      *string         `db:"admin_comment" json:"adminComment,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// StudentID returns the student identifier held in StudentName.
func (p *Payment) StudentID() string {
	return p.StudentName
}

// IsDownPayment reports whether the payment settles a plan's down payment.
func (p *Payment) IsDownPayment() bool {
	return p.PaymentType == PaymentTypeInstallment && p.PlanID != nil && p.InstallmentNumber == nil
}

// PaymentFilter constrains payment listings.
type PaymentFilter struct {
	Status      []PaymentStatus
	StudentName string
	CourseName  CourseName
	From        *time.Time
	To          *time.Time
	PlanID      string
	Page        int
	PageSize    int
}
