package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/drivingschool-api/internal/dto"
	"github.com/noah-isme/drivingschool-api/internal/models"
	"github.com/noah-isme/drivingschool-api/internal/repository"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
	"github.com/noah-isme/drivingschool-api/pkg/export"
	"github.com/noah-isme/drivingschool-api/pkg/money"
)

type paymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	List(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int, error)
	UpdatePending(ctx context.Context, payment *models.Payment) error
	DeletePending(ctx context.Context, id string) error
	Approve(ctx context.Context, params repository.ApprovePaymentParams) error
	Reject(ctx context.Context, id string, comment *string, at time.Time) error
	SetReceiptURL(ctx context.Context, id, url string) error
}

type planReader interface {
	GetByID(ctx context.Context, id string) (*models.InstallmentPlan, error)
}

type paymentNotifier interface {
	PaymentApproved(ctx context.Context, payment *models.Payment)
	PaymentRejected(ctx context.Context, payment *models.Payment)
}

type receiptIssuer interface {
	Issue(ctx context.Context, payment *models.Payment) (string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

const exportPageSize = 500

// PaymentService implements payment capture and the admin approval workflow.
type PaymentService struct {
	repo      paymentStore
	plans     planReader
	gateway   CardGateway
	receipts  receiptIssuer
	notifier  paymentNotifier
	csv       csvRenderer
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// PaymentServiceOption configures the service.
type PaymentServiceOption func(*PaymentService)

// WithPaymentGateway overrides the card gateway.
func WithPaymentGateway(gateway CardGateway) PaymentServiceOption {
	return func(s *PaymentService) {
		if gateway != nil {
			s.gateway = gateway
		}
	}
}

// WithPaymentReceipts enables receipt generation on approval.
func WithPaymentReceipts(receipts receiptIssuer) PaymentServiceOption {
	return func(s *PaymentService) {
		s.receipts = receipts
	}
}

// WithPaymentNotifier sets the email notifier.
func WithPaymentNotifier(notifier paymentNotifier) PaymentServiceOption {
	return func(s *PaymentService) {
		s.notifier = notifier
	}
}

// WithPaymentCache invalidates the plan summary when approvals settle a plan.
func WithPaymentCache(cache *CacheService) PaymentServiceOption {
	return func(s *PaymentService) {
		s.cache = cache
	}
}

// WithPaymentMetrics records payment counters.
func WithPaymentMetrics(metrics *MetricsService) PaymentServiceOption {
	return func(s *PaymentService) {
		s.metrics = metrics
	}
}

// WithPaymentClock overrides the time source.
func WithPaymentClock(now func() time.Time) PaymentServiceOption {
	return func(s *PaymentService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPaymentService constructs the payment approval engine.
func NewPaymentService(repo paymentStore, plans planReader, validate *validator.Validate, logger *zap.Logger, opts ...PaymentServiceOption) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &PaymentService{
		repo:      repo,
		plans:     plans,
		gateway:   NewSimulatedGateway(),
		csv:       export.NewCSVExporter(),
		validator: registerTuitionValidations(validate),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// CreatePayment validates and records a payment awaiting admin review. Card
// payments are charged first and nothing is stored when the gateway declines.
func (s *PaymentService) CreatePayment(ctx context.Context, actor Actor, req dto.CreatePaymentRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	studentID := actor.UserID
	if actor.IsAdmin() {
		studentID = strings.TrimSpace(req.StudentName)
	}
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "studentName is required")
	}
	if err := requirePositiveAmount("amount", req.Amount); err != nil {
		return nil, err
	}
	method := models.PaymentMethod(req.PaymentMethod)
	if err := s.checkCard(method, req.CardDetails); err != nil {
		return nil, err
	}

	payment := &models.Payment{
		StudentName:   studentID,
		CourseName:    models.CourseName(req.CourseName),
		Amount:        money.Normalize(req.Amount),
		PaymentType:   models.PaymentType(req.PaymentType),
		PaymentMethod: method,
		Status:        models.PaymentStatusPending,
		CreatedAt:     s.now().UTC(),
	}

	switch payment.PaymentType {
	case models.PaymentTypeInstallment:
		if err := s.attachPlan(ctx, payment, strings.TrimSpace(req.PlanID), req.InstallmentNumber); err != nil {
			return nil, err
		}
	default:
		if strings.TrimSpace(req.PlanID) != "" || req.InstallmentNumber != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "planId is only accepted for Installment payments")
		}
	}

	if err := s.applyMethod(ctx, payment, req.CardDetails, req.SlipURL); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, payment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
	}
	s.metrics.RecordPaymentCreated(string(payment.PaymentMethod), string(payment.PaymentType))
	s.logger.Info("payment recorded",
		zap.String("payment_id", payment.ID),
		zap.String("student_id", payment.StudentID()),
		zap.String("method", string(payment.PaymentMethod)),
		zap.String("type", string(payment.PaymentType)))
	return payment, nil
}

// GetPayment returns a payment the actor may see.
func (s *PaymentService) GetPayment(ctx context.Context, actor Actor, id string) (*models.Payment, error) {
	payment, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(payment.StudentID()) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "payment belongs to another student")
	}
	return payment, nil
}

// ListPayments lists payments. Students only ever see their own.
func (s *PaymentService) ListPayments(ctx context.Context, actor Actor, query dto.PaymentQuery) ([]models.Payment, *models.Pagination, error) {
	filter := s.filter(query)
	if !actor.IsAdmin() {
		filter.StudentName = actor.UserID
	}
	payments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return payments, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// UpdatePayment edits a pending payment. The amount of a plan payment is fixed by
// the plan and cannot change.
func (s *PaymentService) UpdatePayment(ctx context.Context, actor Actor, id string, req dto.UpdatePaymentRequest) (*models.Payment, error) {
	payment, err := s.GetPayment(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("%s payments cannot be edited", strings.ToLower(string(payment.Status))))
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if err := requirePositiveAmount("amount", req.Amount); err != nil {
		return nil, err
	}
	if payment.PlanID != nil && !req.Amount.Equal(payment.Amount) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount of an installment plan payment cannot change")
	}
	method := models.PaymentMethod(req.PaymentMethod)
	if err := s.checkCard(method, req.CardDetails); err != nil {
		return nil, err
	}

	payment.CourseName = models.CourseName(req.CourseName)
	payment.Amount = money.Normalize(req.Amount)
	payment.PaymentMethod = method
	if err := s.applyMethod(ctx, payment, req.CardDetails, req.SlipURL); err != nil {
		return nil, err
	}
	if err := s.repo.UpdatePending(ctx, payment); err != nil {
		return nil, s.mapPaymentError(err, "failed to update payment")
	}
	s.logger.Info("payment updated", zap.String("payment_id", id))
	return payment, nil
}

// DeletePayment removes a pending payment and returns it.
func (s *PaymentService) DeletePayment(ctx context.Context, actor Actor, id string) (*models.Payment, error) {
	payment, err := s.GetPayment(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("%s payments cannot be deleted", strings.ToLower(string(payment.Status))))
	}
	if err := s.repo.DeletePending(ctx, id); err != nil {
		return nil, s.mapPaymentError(err, "failed to delete payment")
	}
	s.logger.Info("payment deleted", zap.String("payment_id", id))
	return payment, nil
}

// ApprovePayment approves a pending payment and settles the referenced plan in
// the same transaction. The receipt is produced afterwards; failing to produce
// it does not undo the approval.
func (s *PaymentService) ApprovePayment(ctx context.Context, id string, req dto.ReviewPaymentRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	payment, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("payment is already %s", strings.ToLower(string(payment.Status))))
	}

	paidAt := s.now().UTC()
	params := repository.ApprovePaymentParams{
		ID:                id,
		AdminComment:      optionalString(req.AdminComment),
		PaidAt:            paidAt,
		Amount:            payment.Amount,
		PlanID:            payment.PlanID,
		InstallmentNumber: payment.InstallmentNumber,
		PaymentMethod:     string(payment.PaymentMethod),
		SlipURL:           payment.SlipURL,
	}
	if err := s.repo.Approve(ctx, params); err != nil {
		return nil, s.mapPaymentError(err, "failed to approve payment")
	}
	payment.Status = models.PaymentStatusApproved
	payment.PaidDate = &paidAt
	payment.AdminComment = params.AdminComment
	payment.UpdatedAt = paidAt

	s.metrics.RecordPaymentReview("approved")
	if payment.PlanID != nil {
		kind := "installment"
		if payment.IsDownPayment() {
			kind = "down_payment"
		}
		s.metrics.RecordSettlement(kind)
		_ = s.cache.Invalidate(ctx, PlanSummaryCacheKey)
	}
	s.logger.Info("payment approved", zap.String("payment_id", id))

	s.issueReceipt(ctx, payment)
	if s.notifier != nil {
		s.notifier.PaymentApproved(ctx, payment)
	}
	return payment, nil
}

// RejectPayment rejects a pending payment and sends method-specific guidance.
func (s *PaymentService) RejectPayment(ctx context.Context, id string, req dto.ReviewPaymentRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	payment, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("payment is already %s", strings.ToLower(string(payment.Status))))
	}
	at := s.now().UTC()
	comment := optionalString(req.AdminComment)
	if err := s.repo.Reject(ctx, id, comment, at); err != nil {
		return nil, s.mapPaymentError(err, "failed to reject payment")
	}
	payment.Status = models.PaymentStatusRejected
	payment.AdminComment = comment
	payment.UpdatedAt = at

	s.metrics.RecordPaymentReview("rejected")
	s.logger.Info("payment rejected", zap.String("payment_id", id), zap.String("method", string(payment.PaymentMethod)))
	if s.notifier != nil {
		s.notifier.PaymentRejected(ctx, payment)
	}
	return payment, nil
}

// ExportPayments renders every payment matching the query as CSV.
func (s *PaymentService) ExportPayments(ctx context.Context, query dto.PaymentQuery) ([]byte, error) {
	filter := s.filter(query)
	filter.PageSize = exportPageSize
	dataset := export.Dataset{Headers: []string{
		"id", "student_id", "course", "amount", "type", "method", "status", "plan_id", "installment", "transaction_id", "paid_date", "created_at",
	}}
	sum := decimal.Zero
	for page := 1; ; page++ {
		filter.Page = page
		payments, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to export payments")
		}
		for i := range payments {
			dataset.Rows = append(dataset.Rows, paymentRow(&payments[i]))
			sum = sum.Add(payments[i].Amount)
		}
		if len(payments) < exportPageSize || len(dataset.Rows) >= total {
			break
		}
	}
	dataset.Footer = map[string]string{"id": "TOTAL", "amount": sum.StringFixed(money.Places)}

	content, err := s.csv.Render(dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render payment export")
	}
	return content, nil
}

// attachPlan links an Installment payment to its plan after checking that the
// plan expects exactly this payment now.
func (s *PaymentService) attachPlan(ctx context.Context, payment *models.Payment, planID string, number *int) error {
	if planID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "planId is required for Installment payments")
	}
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "installment plan not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load installment plan")
	}
	if plan.StudentID != payment.StudentID() {
		return appErrors.Clone(appErrors.ErrValidation, "installment plan belongs to another student")
	}
	if !plan.AdminApproved {
		return appErrors.Clone(appErrors.ErrConflict, "installment plan is awaiting approval")
	}

	if number == nil {
		if plan.DownPaymentPaid {
			return appErrors.Clone(appErrors.ErrAlreadyPaid, "down payment is already paid")
		}
		if !payment.Amount.Equal(plan.DownPayment) {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("amount must equal the down payment of %s", plan.DownPayment.StringFixed(money.Places)))
		}
	} else {
		item, ok := plan.Item(*number)
		if !ok {
			return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("installment %d not found", *number))
		}
		if item.Status == models.InstallmentStatusApproved {
			return appErrors.Clone(appErrors.ErrAlreadyPaid, fmt.Sprintf("installment %d is already paid", *number))
		}
		if err := ensurePayable(plan, *item, s.now()); err != nil {
			return err
		}
		if !payment.Amount.Equal(item.Amount) {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("amount must equal the installment amount of %s", item.Amount.StringFixed(money.Places)))
		}
		n := *number
		payment.InstallmentNumber = &n
	}
	payment.PlanID = &plan.ID
	return nil
}

func (s *PaymentService) checkCard(method models.PaymentMethod, card *dto.CardDetails) error {
	if method != models.PaymentMethodCard {
		return nil
	}
	if card == nil {
		return appErrors.Clone(appErrors.ErrValidation, "cardDetails is required for Card payments")
	}
	if cardExpired(card.Expiry, s.now()) {
		return appErrors.Clone(appErrors.ErrValidation, "expiryDate is in the past")
	}
	return nil
}

// applyMethod sets method-specific fields, charging the card when needed. Only
// the holder, last four digits and expiry of a card are kept.
func (s *PaymentService) applyMethod(ctx context.Context, payment *models.Payment, card *dto.CardDetails, slipURL string) error {
	payment.CardHolder, payment.CardLast4, payment.CardExpiry = nil, nil, nil
	payment.SlipURL, payment.TransactionID = nil, nil

	switch payment.PaymentMethod {
	case models.PaymentMethodCard:
		txnID, err := s.gateway.Charge(ctx, *card, payment.Amount)
		if err != nil {
			if appErrors.Is(err, appErrors.ErrGatewayDeclined) {
				s.metrics.RecordGatewayDecline()
				s.logger.Info("card payment declined", zap.String("student_id", payment.StudentID()))
				return err
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "card gateway unavailable")
		}
		holder := strings.TrimSpace(card.HolderName)
		last4 := card.Number[len(card.Number)-4:]
		expiry := card.Expiry
		payment.CardHolder, payment.CardLast4, payment.CardExpiry = &holder, &last4, &expiry
		payment.TransactionID = &txnID
	case models.PaymentMethodBank:
		payment.SlipURL = optionalString(slipURL)
	}
	return nil
}

func (s *PaymentService) issueReceipt(ctx context.Context, payment *models.Payment) {
	if s.receipts == nil {
		return
	}
	url, err := s.receipts.Issue(ctx, payment)
	if err == nil {
		err = s.repo.SetReceiptURL(ctx, payment.ID, url)
	}
	if err != nil {
		s.metrics.RecordReceiptFailure()
		s.logger.Error("receipt generation failed", zap.String("payment_id", payment.ID), zap.Error(err))
		return
	}
	payment.ReceiptURL = &url
}

func (s *PaymentService) get(ctx context.Context, id string) (*models.Payment, error) {
	payment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapPaymentError(err, "failed to load payment")
	}
	return payment, nil
}

func (s *PaymentService) filter(query dto.PaymentQuery) models.PaymentFilter {
	filter := models.PaymentFilter{
		Status:      query.Status,
		StudentName: strings.TrimSpace(query.StudentName),
		CourseName:  models.CourseName(strings.TrimSpace(query.CourseName)),
		From:        query.From,
		To:          query.To,
		Page:        query.Page,
		PageSize:    query.PageSize,
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	return filter
}

func (s *PaymentService) mapPaymentError(err error, message string) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "payment not found")
	case errors.Is(err, repository.ErrPaymentNotPending):
		return appErrors.Clone(appErrors.ErrConflict, "payment is no longer pending")
	case errors.Is(err, repository.ErrPlanNotSettleable):
		return appErrors.Clone(appErrors.ErrConflict, "installment plan is not approved, its down payment is paid or no longer matches this amount")
	case errors.Is(err, repository.ErrInstallmentAlreadyPaid):
		return appErrors.Clone(appErrors.ErrAlreadyPaid, "installment is already paid")
	case errors.Is(err, repository.ErrInstallmentNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "installment not found")
	}
	s.logger.Error(message, zap.Error(err))
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func paymentRow(p *models.Payment) map[string]string {
	row := map[string]string{
		"id":         p.ID,
		"student_id": p.StudentID(),
		"course":     string(p.CourseName),
		"amount":     p.Amount.StringFixed(money.Places),
		"type":       string(p.PaymentType),
		"method":     string(p.PaymentMethod),
		"status":     string(p.Status),
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.PlanID != nil {
		row["plan_id"] = *p.PlanID
	}
	if p.InstallmentNumber != nil {
		row["installment"] = fmt.Sprintf("%d", *p.InstallmentNumber)
	} else if p.PlanID != nil {
		row["installment"] = "down payment"
	}
	if p.TransactionID != nil {
		row["transaction_id"] = *p.TransactionID
	}
	if p.PaidDate != nil {
		row["paid_date"] = p.PaidDate.UTC().Format(time.RFC3339)
	}
	return row
}
