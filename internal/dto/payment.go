package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/drivingschool-api/internal/models"
)

// CardDetails are validated and sent to the gateway but only partially persisted.
type CardDetails struct {
	Number     string `json:"cardNumber" validate:"required,len=16,number"`
	HolderName string `json:"cardHolderName" validate:"required,min=2,max=50,holder_name"`
	Expiry     string `json:"expiryDate" validate:"required,card_expiry"`
	CVV        string `json:"cvv" validate:"required,len=3,number"`
}

// CreatePaymentRequest payload for recording a payment.
type CreatePaymentRequest struct {
	// StudentName carries the student id and is honoured for administrators only.
	StudentName       string          `json:"studentName"`
	CourseName        string          `json:"courseName" validate:"required,course_name"`
	Amount            decimal.Decimal `json:"amount"`
	PaymentType       string          `json:"paymentType" validate:"required,oneof=Full Installment"`
	PaymentMethod     string          `json:"paymentMethod" validate:"required,payment_method"`
	CardDetails       *CardDetails    `json:"cardDetails" validate:"required_if=PaymentMethod Card"`
	SlipURL           string          `json:"slipUrl" validate:"required_if=PaymentMethod Bank,max=500"`
	PlanID            string          `json:"planId" validate:"required_if=PaymentType Installment,max=64"`
	InstallmentNumber *int            `json:"installmentNumber" validate:"omitempty,min=1,max=12"`
}

// UpdatePaymentRequest edits a pending payment.
type UpdatePaymentRequest struct {
	CourseName    string          `json:"courseName" validate:"required,course_name"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod" validate:"required,payment_method"`
	CardDetails   *CardDetails    `json:"cardDetails" validate:"required_if=PaymentMethod Card"`
	SlipURL       string          `json:"slipUrl" validate:"required_if=PaymentMethod Bank,max=500"`
}

// ReviewPaymentRequest carries the reviewer comment for approve/reject.
type ReviewPaymentRequest struct {
	AdminComment string `json:"adminComment" validate:"max=500"`
}

// PaymentQuery mirrors supported listing filters.
type PaymentQuery struct {
	Status      []models.PaymentStatus
	StudentName string
	CourseName  string
	From        *time.Time
	To          *time.Time
	Page        int
	PageSize    int
}

// ReceiptDownload describes a rendered receipt ready for streaming.
type ReceiptDownload struct {
	Filename string
	Content  []byte
}
