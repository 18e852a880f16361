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
	"github.com/noah-isme/drivingschool-api/pkg/money"
)

// PlanSummaryCacheKey holds the cached admin summary.
const PlanSummaryCacheKey = "tuition:plans:summary"

type installmentPlanStore interface {
	Create(ctx context.Context, plan *models.InstallmentPlan) error
	GetByID(ctx context.Context, id string) (*models.InstallmentPlan, error)
	List(ctx context.Context, filter models.InstallmentPlanFilter) ([]models.InstallmentPlan, error)
	ReplaceSchedule(ctx context.Context, plan *models.InstallmentPlan) error
	SetReview(ctx context.Context, params repository.ReviewPlanParams) error
	MarkItemApproved(ctx context.Context, params repository.SettleInstallmentParams) error
	Delete(ctx context.Context, id string) error
}

type planNotifier interface {
	PlanApproved(ctx context.Context, plan *models.InstallmentPlan)
	PlanRejected(ctx context.Context, plan *models.InstallmentPlan)
}

// Actor identifies the caller of a tuition operation. For students UserID is the student id.
type Actor struct {
	UserID string
	Role   models.UserRole
}

// ActorFromClaims builds an Actor from validated token claims.
func ActorFromClaims(claims *models.JWTClaims) Actor {
	if claims == nil {
		return Actor{}
	}
	return Actor{UserID: claims.UserID, Role: claims.Role}
}

// IsAdmin reports whether the actor may act on any student's records.
func (a Actor) IsAdmin() bool {
	return a.Role.IsAdmin()
}

func (a Actor) owns(studentID string) bool {
	return a.IsAdmin() || (a.UserID != "" && a.UserID == studentID)
}

// InstallmentService implements the installment plan lifecycle.
type InstallmentService struct {
	repo      installmentPlanStore
	notifier  planNotifier
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
	cacheTTL  time.Duration
}

// InstallmentServiceOption configures the service.
type InstallmentServiceOption func(*InstallmentService)

// WithInstallmentCache enables the cached plan summary.
func WithInstallmentCache(cache *CacheService, ttl time.Duration) InstallmentServiceOption {
	return func(s *InstallmentService) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithInstallmentMetrics records review and settlement counters.
func WithInstallmentMetrics(metrics *MetricsService) InstallmentServiceOption {
	return func(s *InstallmentService) {
		s.metrics = metrics
	}
}

// WithInstallmentClock overrides the time source.
func WithInstallmentClock(now func() time.Time) InstallmentServiceOption {
	return func(s *InstallmentService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInstallmentService constructs the plan lifecycle engine.
func NewInstallmentService(repo installmentPlanStore, notifier planNotifier, validate *validator.Validate, logger *zap.Logger, opts ...InstallmentServiceOption) *InstallmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &InstallmentService{
		repo:      repo,
		notifier:  notifier,
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

// CreatePlan validates the request, generates the schedule and stores the plan
// awaiting admin approval.
func (s *InstallmentService) CreatePlan(ctx context.Context, actor Actor, req dto.CreateInstallmentPlanRequest) (*models.InstallmentPlanView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	studentID := actor.UserID
	if actor.IsAdmin() {
		studentID = strings.TrimSpace(req.StudentID)
	}
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "studentId is required")
	}
	if err := requirePositiveAmount("totalAmount", req.TotalAmount); err != nil {
		return nil, err
	}
	start, err := s.parseStartDate(req.StartDate)
	if err != nil {
		return nil, err
	}
	schedule, err := GenerateSchedule(req.TotalAmount, req.DownPayment, req.TotalInstallments, start)
	if err != nil {
		return nil, err
	}

	plan := &models.InstallmentPlan{
		StudentID:         studentID,
		CourseID:          strings.TrimSpace(req.CourseID),
		TotalAmount:       money.Normalize(req.TotalAmount),
		DownPayment:       money.Normalize(req.DownPayment),
		RemainingAmount:   money.Normalize(req.TotalAmount.Sub(req.DownPayment)),
		TotalInstallments: req.TotalInstallments,
		StartDate:         start,
		Schedule:          schedule,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.repo.Create(ctx, plan); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create installment plan")
	}
	s.logger.Info("installment plan created",
		zap.String("plan_id", plan.ID), zap.String("student_id", plan.StudentID), zap.Int("installments", plan.TotalInstallments))
	s.invalidateSummary(ctx)
	return s.view(plan), nil
}

// GetPlan returns a plan the actor may see.
func (s *InstallmentService) GetPlan(ctx context.Context, actor Actor, id string) (*models.InstallmentPlanView, error) {
	plan, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.view(plan), nil
}

// ListPlans lists plans. Students only ever see their own.
func (s *InstallmentService) ListPlans(ctx context.Context, actor Actor, query dto.InstallmentPlanQuery) ([]models.InstallmentPlanView, error) {
	filter := models.InstallmentPlanFilter{StudentID: strings.TrimSpace(query.StudentID), CourseID: strings.TrimSpace(query.CourseID)}
	if !actor.IsAdmin() {
		filter.StudentID = actor.UserID
	}
	plans, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list installment plans")
	}
	now := s.now()
	views := make([]models.InstallmentPlanView, len(plans))
	for i := range plans {
		views[i] = models.NewInstallmentPlanView(&plans[i], now)
	}
	return views, nil
}

// ApprovePlan marks the plan approved and notifies the student. Approving again
// re-sends the notification.
func (s *InstallmentService) ApprovePlan(ctx context.Context, id string, req dto.ApproveInstallmentPlanRequest) (*models.InstallmentPlanView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	plan, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	reviewedAt := s.now().UTC()
	params := repository.ReviewPlanParams{ID: id, Approved: true, AdminComment: optionalString(req.AdminComment), ReviewedAt: reviewedAt}
	if err := s.repo.SetReview(ctx, params); err != nil {
		return nil, s.mapPlanError(err, "failed to approve installment plan")
	}
	plan.AdminApproved = true
	plan.AdminComment = params.AdminComment
	plan.RejectionReason = nil
	plan.ReviewedAt = &reviewedAt
	if plan.DownPayment.IsZero() {
		plan.DownPaymentPaid = true
	}

	s.metrics.RecordPlanReview("approved")
	s.logger.Info("installment plan approved", zap.String("plan_id", id))
	s.invalidateSummary(ctx)
	if s.notifier != nil {
		s.notifier.PlanApproved(ctx, plan)
	}
	return s.view(plan), nil
}

// RejectPlan withdraws approval, records the reason and notifies the student.
func (s *InstallmentService) RejectPlan(ctx context.Context, id string, req dto.RejectInstallmentPlanRequest) (*models.InstallmentPlanView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	plan, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	reviewedAt := s.now().UTC()
	params := repository.ReviewPlanParams{ID: id, Approved: false, RejectionReason: optionalString(req.Reason), ReviewedAt: reviewedAt}
	if err := s.repo.SetReview(ctx, params); err != nil {
		return nil, s.mapPlanError(err, "failed to reject installment plan")
	}
	plan.AdminApproved = false
	plan.AdminComment = nil
	plan.RejectionReason = params.RejectionReason
	plan.ReviewedAt = &reviewedAt

	s.metrics.RecordPlanReview("rejected")
	s.logger.Info("installment plan rejected", zap.String("plan_id", id))
	s.invalidateSummary(ctx)
	if s.notifier != nil {
		s.notifier.PlanRejected(ctx, plan)
	}
	return s.view(plan), nil
}

// UpdatePlan changes the terms of an unapproved plan and regenerates its schedule.
// Plans that are approved or have a paid down payment or installment cannot be edited.
func (s *InstallmentService) UpdatePlan(ctx context.Context, actor Actor, id string, req dto.UpdateInstallmentPlanRequest) (*models.InstallmentPlanView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	plan, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := ensureEditable(plan); err != nil {
		return nil, err
	}
	start, err := s.parseStartDate(req.StartDate)
	if err != nil {
		return nil, err
	}
	schedule, err := GenerateSchedule(plan.TotalAmount, req.DownPayment, req.TotalInstallments, start)
	if err != nil {
		return nil, err
	}

	plan.DownPayment = money.Normalize(req.DownPayment)
	plan.RemainingAmount = money.Normalize(plan.TotalAmount.Sub(req.DownPayment))
	plan.TotalInstallments = req.TotalInstallments
	plan.StartDate = start
	plan.Schedule = schedule
	plan.RejectionReason = nil
	if err := s.repo.ReplaceSchedule(ctx, plan); err != nil {
		return nil, s.mapPlanError(err, "failed to update installment plan")
	}
	s.logger.Info("installment plan updated", zap.String("plan_id", id), zap.Int("installments", plan.TotalInstallments))
	s.invalidateSummary(ctx)
	return s.view(plan), nil
}

// PayInstallment marks one line item approved and decrements the remaining balance.
// The item must be payable now: plan approved, down payment settled, and due
// within the payable window.
func (s *InstallmentService) PayInstallment(ctx context.Context, actor Actor, id string, req dto.PayInstallmentRequest) (*models.InstallmentPlanView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	plan, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	item, ok := plan.Item(req.InstallmentNumber)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("installment %d not found", req.InstallmentNumber))
	}
	if item.Status == models.InstallmentStatusApproved {
		return nil, appErrors.Clone(appErrors.ErrAlreadyPaid, fmt.Sprintf("installment %d is already paid", req.InstallmentNumber))
	}
	now := s.now()
	if err := ensurePayable(plan, *item, now); err != nil {
		return nil, err
	}

	params := repository.SettleInstallmentParams{
		PlanID:            plan.ID,
		InstallmentNumber: req.InstallmentNumber,
		PaymentMethod:     req.PaymentMethod,
		SlipURL:           optionalString(req.SlipURL),
		PaidAt:            now.UTC(),
	}
	if err := s.repo.MarkItemApproved(ctx, params); err != nil {
		return nil, s.mapPlanError(err, "failed to record installment payment")
	}
	s.metrics.RecordSettlement("installment")
	s.logger.Info("installment marked paid", zap.String("plan_id", plan.ID), zap.Int("installment", req.InstallmentNumber))
	s.invalidateSummary(ctx)

	updated, err := s.get(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	return s.view(updated), nil
}

// DeletePlan removes a plan that is neither approved nor partially paid.
func (s *InstallmentService) DeletePlan(ctx context.Context, actor Actor, id string) error {
	plan, err := s.load(ctx, actor, id)
	if err != nil {
		return err
	}
	if plan.AdminApproved || plan.DownPaymentPaid || plan.HasApprovedItems() {
		return appErrors.Clone(appErrors.ErrConflict, "only unapproved plans without payments can be deleted")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.mapPlanError(err, "failed to delete installment plan")
	}
	s.logger.Info("installment plan deleted", zap.String("plan_id", id))
	s.invalidateSummary(ctx)
	return nil
}

// Summary aggregates every plan by derived status. Outstanding covers the remaining
// schedule of approved plans plus any down payment still due.
func (s *InstallmentService) Summary(ctx context.Context) (*models.PlanSummary, error) {
	var cached models.PlanSummary
	if hit, _ := s.cache.Get(ctx, PlanSummaryCacheKey, &cached); hit {
		return &cached, nil
	}

	plans, err := s.repo.List(ctx, models.InstallmentPlanFilter{})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to summarise installment plans")
	}
	now := s.now()
	summary := &models.PlanSummary{
		TotalPlans:  len(plans),
		ByStatus:    make(map[models.PlanOverallStatus]int, 5),
		GeneratedAt: now.UTC(),
	}
	outstanding := decimal.Zero
	for i := range plans {
		plan := &plans[i]
		summary.ByStatus[models.OverallStatus(plan, now)]++
		if !plan.AdminApproved {
			continue
		}
		outstanding = outstanding.Add(money.Max0(plan.RemainingAmount))
		if !plan.DownPaymentPaid {
			outstanding = outstanding.Add(plan.DownPayment)
		}
	}
	summary.OutstandingTotal = outstanding.StringFixed(money.Places)

	_ = s.cache.Set(ctx, PlanSummaryCacheKey, summary, s.cacheTTL)
	return summary, nil
}

func (s *InstallmentService) parseStartDate(raw string) (time.Time, error) {
	start, err := parseDate("startDate", raw)
	if err != nil {
		return time.Time{}, err
	}
	if start.Before(models.DateOnly(s.now())) {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "startDate must be today or later")
	}
	return start, nil
}

func (s *InstallmentService) get(ctx context.Context, id string) (*models.InstallmentPlan, error) {
	plan, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapPlanError(err, "failed to load installment plan")
	}
	return plan, nil
}

func (s *InstallmentService) load(ctx context.Context, actor Actor, id string) (*models.InstallmentPlan, error) {
	plan, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(plan.StudentID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "installment plan belongs to another student")
	}
	return plan, nil
}

func (s *InstallmentService) view(plan *models.InstallmentPlan) *models.InstallmentPlanView {
	view := models.NewInstallmentPlanView(plan, s.now())
	return &view
}

func (s *InstallmentService) invalidateSummary(ctx context.Context) {
	_ = s.cache.Invalidate(ctx, PlanSummaryCacheKey)
}

func (s *InstallmentService) mapPlanError(err error, message string) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "installment plan not found")
	case errors.Is(err, repository.ErrInstallmentNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "installment not found")
	case errors.Is(err, repository.ErrInstallmentAlreadyPaid):
		return appErrors.Clone(appErrors.ErrAlreadyPaid, "installment is already paid")
	case errors.Is(err, repository.ErrPlanLocked):
		return appErrors.Clone(appErrors.ErrConflict, "installment plan is approved or has paid installments")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	s.logger.Error(message, zap.Error(err))
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func ensureEditable(plan *models.InstallmentPlan) error {
	if plan.AdminApproved {
		return appErrors.Clone(appErrors.ErrConflict, "approved installment plans cannot be edited")
	}
	if plan.DownPaymentPaid {
		return appErrors.Clone(appErrors.ErrConflict, "installment plans with a paid down payment cannot be edited")
	}
	if plan.HasApprovedItems() {
		return appErrors.Clone(appErrors.ErrConflict, "installment plans with paid installments cannot be edited")
	}
	return nil
}

// ensurePayable explains why a line item cannot be paid right now.
func ensurePayable(plan *models.InstallmentPlan, item models.InstallmentItem, now time.Time) error {
	switch {
	case !plan.AdminApproved:
		return appErrors.Clone(appErrors.ErrConflict, "installment plan is awaiting approval")
	case !plan.DownPaymentPaid:
		return appErrors.Clone(appErrors.ErrConflict, "down payment must be paid first")
	case !models.CanPayItem(plan, item, now):
		return appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("installment %d can be paid from %s", item.InstallmentNumber,
				models.DateOnly(item.DueDate).AddDate(0, 0, -models.PayableWindowDays).Format(dto.DateLayout)))
	}
	return nil
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
