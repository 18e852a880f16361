package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/drivingschool-api/pkg/money"
)

// Receipt is the printable content of a payment receipt.
type Receipt struct {
	Number        string
	SchoolName    string
	IssuedAt      time.Time
	StudentID     string
	StudentName   string
	CourseName    string
	PaymentType   string
	Description   string
	Method        string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	// TaxRate is a display-only rate; Amount is treated as tax inclusive.
	TaxRate decimal.Decimal
}

// ReceiptRenderer renders receipts as single-page A5 PDFs.
type ReceiptRenderer struct{}

// NewReceiptRenderer constructs a receipt renderer.
func NewReceiptRenderer() *ReceiptRenderer {
	return &ReceiptRenderer{}
}

// TaxBreakdown splits a tax-inclusive amount into net and tax at rate.
func TaxBreakdown(amount, rate decimal.Decimal) (net, tax decimal.Decimal) {
	if !rate.IsPositive() {
		return money.Normalize(amount), decimal.Zero
	}
	net = amount.Div(decimal.NewFromInt(1).Add(rate)).Round(money.Places)
	return net, money.Normalize(amount).Sub(net)
}

// Render produces the PDF bytes.
func (r *ReceiptRenderer) Render(receipt Receipt) ([]byte, error) {
	if receipt.Number == "" {
		return nil, fmt.Errorf("receipt number required")
	}
	pdf := gofpdf.New("P", "mm", "A5", "")
	pdf.SetMargins(12, 12, 12)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 15)
	pdf.CellFormat(0, 9, strings.ToUpper(receipt.SchoolName), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, "PAYMENT RECEIPT", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	line := func(label, value string) {
		if value == "" {
			return
		}
		pdf.SetFont("Arial", "B", 9)
		pdf.CellFormat(40, 6, label, "", 0, "", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(0, 6, value, "", 1, "", false, 0, "")
	}
	line("Receipt No.", receipt.Number)
	line("Date", receipt.IssuedAt.UTC().Format("2006-01-02 15:04 MST"))
	line("Student ID", receipt.StudentID)
	line("Student", receipt.StudentName)
	line("Course", receipt.CourseName)
	line("Payment type", receipt.PaymentType)
	line("Method", receipt.Method)
	line("Transaction", receipt.TransactionID)
	pdf.Ln(4)

	net, tax := TaxBreakdown(receipt.Amount, receipt.TaxRate)
	description := receipt.Description
	if description == "" {
		description = receipt.CourseName + " tuition"
	}
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(84, 7, "Description", "1", 0, "", false, 0, "")
	pdf.CellFormat(40, 7, "Amount ("+receipt.Currency+")", "1", 1, "R", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(84, 7, description, "1", 0, "", false, 0, "")
	pdf.CellFormat(40, 7, money.Format(net), "1", 1, "R", false, 0, "")
	pdf.CellFormat(84, 7, fmt.Sprintf("Tax (%s%%)", receipt.TaxRate.Mul(decimal.NewFromInt(100)).StringFixed(money.Places)), "1", 0, "", false, 0, "")
	pdf.CellFormat(40, 7, money.Format(tax), "1", 1, "R", false, 0, "")
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(84, 8, "Total paid", "1", 0, "", false, 0, "")
	pdf.CellFormat(40, 8, money.Format(receipt.Amount), "1", 1, "R", false, 0, "")

	pdf.Ln(8)
	pdf.SetFont("Arial", "I", 8)
	pdf.MultiCell(0, 5, "This receipt was generated electronically and is valid without a signature.", "", "C", false)

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render receipt pdf: %w", err)
	}
	return buf.Bytes(), nil
}
