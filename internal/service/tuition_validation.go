package service

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/drivingschool-api/internal/models"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
	"github.com/noah-isme/drivingschool-api/pkg/money"
)

var (
	holderNamePattern = regexp.MustCompile(`^[A-Za-z]+( [A-Za-z]+){1,3}$`)
	cardExpiryPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])/[0-9]{2}$`)
)

// registerTuitionValidations installs the tuition tags on v and reports fields by
// their JSON names. Registering twice on the same validator is harmless.
func registerTuitionValidations(v *validator.Validate) *validator.Validate {
	if v == nil {
		v = validator.New()
	}
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		switch models.PaymentMethod(fl.Field().String()) {
		case models.PaymentMethodCard, models.PaymentMethodBank, models.PaymentMethodCash:
			return true
		default:
			return false
		}
	})
	v.RegisterValidation("course_name", func(fl validator.FieldLevel) bool {
		name := models.CourseName(fl.Field().String())
		for _, course := range models.CourseNames {
			if name == course {
				return true
			}
		}
		return false
	})
	v.RegisterValidation("holder_name", func(fl validator.FieldLevel) bool {
		return holderNamePattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("card_expiry", func(fl validator.FieldLevel) bool {
		return cardExpiryPattern.MatchString(fl.Field().String())
	})
	return v
}

// validationError converts validator output into a ValidationError naming the first failing field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status,
			fmt.Sprintf("%s failed on the '%s' rule", first.Field(), first.Tag()))
	}
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
}

// requirePositiveAmount checks a money field is > 0 with at most two decimals.
func requirePositiveAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s must be greater than zero", field))
	}
	if !money.IsCents(amount) {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s must have at most two decimal places", field))
	}
	return nil
}

// cardExpired reports whether an MM/YY expiry lies before the month of now.
// A card stays valid through the last day of its expiry month.
func cardExpired(expiry string, now time.Time) bool {
	parsed, err := time.Parse("01/06", expiry)
	if err != nil {
		return true
	}
	endOfMonth := time.Date(parsed.Year(), parsed.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return !now.UTC().Before(endOfMonth)
}

func parseDate(field, raw string) (time.Time, error) {
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s must be a date in YYYY-MM-DD format", field))
	}
	return parsed, nil
}
