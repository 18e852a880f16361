package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/drivingschool-api/internal/dto"
	"github.com/noah-isme/drivingschool-api/internal/models"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
	"github.com/noah-isme/drivingschool-api/pkg/export"
)

type paymentReader interface {
	GetByID(ctx context.Context, id string) (*models.Payment, error)
}

type receiptRenderer interface {
	Render(receipt export.Receipt) ([]byte, error)
}

type receiptStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type urlSigner interface {
	Generate(resourceID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (resourceID, relPath string, expiresAt time.Time, err error)
}

// ReceiptConfig carries branding and the public download endpoint.
type ReceiptConfig struct {
	SchoolName string
	Currency   string
	TaxRate    decimal.Decimal
	// DownloadURL is the absolute or root-relative URL of the signed download route.
	DownloadURL string
}

// ReceiptService renders, stores and serves payment receipts.
type ReceiptService struct {
	payments  paymentReader
	directory StudentDirectory
	renderer  receiptRenderer
	storage   receiptStorage
	signer    urlSigner
	cfg       ReceiptConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewReceiptService constructs the receipt service. directory may be nil.
func NewReceiptService(payments paymentReader, directory StudentDirectory, renderer receiptRenderer, storage receiptStorage, signer urlSigner, cfg ReceiptConfig, logger *zap.Logger) *ReceiptService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if renderer == nil {
		renderer = export.NewReceiptRenderer()
	}
	if cfg.SchoolName == "" {
		cfg.SchoolName = "Driving School"
	}
	if cfg.Currency == "" {
		cfg.Currency = "LKR"
	}
	return &ReceiptService{
		payments:  payments,
		directory: directory,
		renderer:  renderer,
		storage:   storage,
		signer:    signer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Issue renders and stores the receipt of an approved payment and returns its signed URL.
func (s *ReceiptService) Issue(ctx context.Context, payment *models.Payment) (string, error) {
	if _, err := s.store(ctx, payment); err != nil {
		return "", err
	}
	token, _, err := s.signer.Generate(payment.ID, receiptPath(payment.ID))
	if err != nil {
		return "", fmt.Errorf("sign receipt url: %w", err)
	}
	return s.cfg.DownloadURL + "?token=" + url.QueryEscape(token), nil
}

// ForPayment returns the receipt of a payment the actor may see. Receipts exist
// only for approved payments and are regenerated when the stored file is missing.
func (s *ReceiptService) ForPayment(ctx context.Context, actor Actor, paymentID string) (*dto.ReceiptDownload, error) {
	payment, err := s.payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !actor.owns(payment.StudentID()) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "payment belongs to another student")
	}
	return s.open(ctx, payment)
}

// Download serves a receipt from a signed token.
func (s *ReceiptService) Download(ctx context.Context, token string) (*dto.ReceiptDownload, error) {
	if strings.TrimSpace(token) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "token is required")
	}
	paymentID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil || relPath != receiptPath(paymentID) {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired receipt link")
	}
	payment, err := s.payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, payment)
}

func (s *ReceiptService) open(ctx context.Context, payment *models.Payment) (*dto.ReceiptDownload, error) {
	if payment.Status != models.PaymentStatusApproved {
		return nil, appErrors.Clone(appErrors.ErrValidation, "receipts are only available for approved payments")
	}
	download := &dto.ReceiptDownload{Filename: fmt.Sprintf("receipt-%s.pdf", payment.ID)}

	file, err := s.storage.Open(receiptPath(payment.ID))
	if err == nil {
		defer file.Close() //nolint:errcheck
		content, readErr := io.ReadAll(file)
		if readErr == nil {
			download.Content = content
			return download, nil
		}
		err = readErr
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("stored receipt unreadable, regenerating", zap.String("payment_id", payment.ID), zap.Error(err))
	}
	content, err := s.store(ctx, payment)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate receipt")
	}
	download.Content = content
	return download, nil
}

func (s *ReceiptService) store(ctx context.Context, payment *models.Payment) ([]byte, error) {
	content, err := s.renderer.Render(s.receipt(ctx, payment))
	if err != nil {
		return nil, err
	}
	if _, err := s.storage.Save(receiptPath(payment.ID), content); err != nil {
		return nil, err
	}
	return content, nil
}

func (s *ReceiptService) receipt(ctx context.Context, payment *models.Payment) export.Receipt {
	issuedAt := s.now()
	if payment.PaidDate != nil {
		issuedAt = *payment.PaidDate
	}
	receipt := export.Receipt{
		Number:      receiptNumber(payment.ID),
		SchoolName:  s.cfg.SchoolName,
		IssuedAt:    issuedAt,
		StudentID:   payment.StudentID(),
		CourseName:  string(payment.CourseName),
		PaymentType: string(payment.PaymentType),
		Method:      string(payment.PaymentMethod),
		Amount:      payment.Amount,
		Currency:    s.cfg.Currency,
		TaxRate:     s.cfg.TaxRate,
	}
	switch {
	case payment.IsDownPayment():
		receipt.Description = fmt.Sprintf("%s down payment", payment.CourseName)
	case payment.InstallmentNumber != nil:
		receipt.Description = fmt.Sprintf("%s installment #%d", payment.CourseName, *payment.InstallmentNumber)
	default:
		receipt.Description = fmt.Sprintf("%s course fee", payment.CourseName)
	}
	if payment.TransactionID != nil {
		receipt.TransactionID = *payment.TransactionID
	}
	if s.directory != nil {
		if student, err := s.directory.FindByID(ctx, payment.StudentID()); err == nil {
			receipt.StudentName = student.FullName
		}
	}
	return receipt
}

func (s *ReceiptService) payment(ctx context.Context, id string) (*models.Payment, error) {
	payment, err := s.payments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	return payment, nil
}

func receiptPath(paymentID string) string {
	return fmt.Sprintf("receipts/%s.pdf", paymentID)
}

func receiptNumber(paymentID string) string {
	compact := strings.ToUpper(strings.ReplaceAll(paymentID, "-", ""))
	if len(compact) > 12 {
		compact = compact[:12]
	}
	return "RCPT-" + compact
}
