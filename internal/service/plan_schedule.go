package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/drivingschool-api/internal/models"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
	"github.com/noah-isme/drivingschool-api/pkg/money"
)

// GenerateSchedule splits totalAmount-downPayment into count monthly line items.
// Item i is due startDate plus i-1 months, computed from startDate with
// time.AddDate normalisation (Jan 31 + 1 month = Mar 3).
func GenerateSchedule(totalAmount, downPayment decimal.Decimal, count int, startDate time.Time) ([]models.InstallmentItem, error) {
	if count < 1 || count > models.MaxInstallments {
		return nil, appErrors.Clone(appErrors.ErrInvalidCount, fmt.Sprintf("totalInstallments must be between 1 and %d", models.MaxInstallments))
	}
	if !totalAmount.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, "totalAmount must be greater than zero")
	}
	if downPayment.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, "downPayment must not be negative")
	}
	if downPayment.GreaterThan(totalAmount) {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, "downPayment must not exceed totalAmount")
	}
	if !money.IsCents(totalAmount) || !money.IsCents(downPayment) {
		return nil, appErrors.Clone(appErrors.ErrInvalidAmount, "amounts must have at most two decimal places")
	}

	amounts, err := money.Split(totalAmount.Sub(downPayment), count)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidAmount.Code, appErrors.ErrInvalidAmount.Status, "unable to split remaining amount")
	}

	start := models.DateOnly(startDate)
	items := make([]models.InstallmentItem, count)
	for i := range items {
		items[i] = models.InstallmentItem{
			InstallmentNumber: i + 1,
			Amount:            amounts[i],
			DueDate:           start.AddDate(0, i, 0),
			Status:            models.InstallmentStatusPending,
		}
	}
	return items, nil
}
