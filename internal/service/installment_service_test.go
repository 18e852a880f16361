package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/drivingschool-api/internal/dto"
	"github.com/noah-isme/drivingschool-api/internal/models"
	"github.com/noah-isme/drivingschool-api/internal/repository"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
)

var tuitionNow = time.Date(2026, time.January, 10, 9, 30, 0, 0, time.UTC)

type planStoreStub struct {
	plans      map[string]*models.InstallmentPlan
	seq        int
	listFilter models.InstallmentPlanFilter
	settled    []repository.SettleInstallmentParams
	deleted    []string
	createErr  error
}

func newPlanStoreStub() *planStoreStub {
	return &planStoreStub{plans: map[string]*models.InstallmentPlan{}}
}

func (s *planStoreStub) put(plan *models.InstallmentPlan) *models.InstallmentPlan {
	s.plans[plan.ID] = plan
	return plan
}

func (s *planStoreStub) Create(ctx context.Context, plan *models.InstallmentPlan) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.seq++
	plan.ID = fmt.Sprintf("plan-%d", s.seq)
	clone := *plan
	clone.Schedule = append([]models.InstallmentItem(nil), plan.Schedule...)
	s.plans[plan.ID] = &clone
	return nil
}

func (s *planStoreStub) GetByID(ctx context.Context, id string) (*models.InstallmentPlan, error) {
	plan, ok := s.plans[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *plan
	clone.Schedule = append([]models.InstallmentItem(nil), plan.Schedule...)
	return &clone, nil
}

func (s *planStoreStub) List(ctx context.Context, filter models.InstallmentPlanFilter) ([]models.InstallmentPlan, error) {
	s.listFilter = filter
	out := make([]models.InstallmentPlan, 0, len(s.plans))
	for _, plan := range s.plans {
		if filter.StudentID != "" && plan.StudentID != filter.StudentID {
			continue
		}
		out = append(out, *plan)
	}
	return out, nil
}

func (s *planStoreStub) ReplaceSchedule(ctx context.Context, plan *models.InstallmentPlan) error {
	stored, ok := s.plans[plan.ID]
	if !ok {
		return sql.ErrNoRows
	}
	if stored.AdminApproved || stored.DownPaymentPaid || stored.HasApprovedItems() {
		return repository.ErrPlanLocked
	}
	clone := *plan
	s.plans[plan.ID] = &clone
	return nil
}

func (s *planStoreStub) SetReview(ctx context.Context, params repository.ReviewPlanParams) error {
	plan, ok := s.plans[params.ID]
	if !ok {
		return sql.ErrNoRows
	}
	plan.AdminApproved = params.Approved
	if params.Approved && plan.DownPayment.IsZero() {
		plan.DownPaymentPaid = true
	}
	return nil
}

func (s *planStoreStub) MarkItemApproved(ctx context.Context, params repository.SettleInstallmentParams) error {
	plan, ok := s.plans[params.PlanID]
	if !ok {
		return sql.ErrNoRows
	}
	item, ok := plan.Item(params.InstallmentNumber)
	if !ok {
		return repository.ErrInstallmentNotFound
	}
	if item.Status == models.InstallmentStatusApproved {
		return repository.ErrInstallmentAlreadyPaid
	}
	item.Status = models.InstallmentStatusApproved
	paidAt := params.PaidAt
	item.PaidDate = &paidAt
	plan.RemainingAmount = plan.RemainingAmount.Sub(item.Amount)
	s.settled = append(s.settled, params)
	return nil
}

func (s *planStoreStub) Delete(ctx context.Context, id string) error {
	if _, ok := s.plans[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.plans, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type planNotifierStub struct {
	approved []string
	rejected []string
}

func (n *planNotifierStub) PlanApproved(ctx context.Context, plan *models.InstallmentPlan) {
	n.approved = append(n.approved, plan.ID)
}

func (n *planNotifierStub) PlanRejected(ctx context.Context, plan *models.InstallmentPlan) {
	n.rejected = append(n.rejected, plan.ID)
}

func newInstallmentServiceForTest(store *planStoreStub, notifier *planNotifierStub) *InstallmentService {
	return NewInstallmentService(store, notifier, nil, zap.NewNop(), WithInstallmentClock(func() time.Time { return tuitionNow }))
}

var (
	studentActor = Actor{UserID: "stu-1", Role: models.RoleStudent}
	adminActor   = Actor{UserID: "admin-1", Role: models.RoleAdmin}
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// approvedPlan has a settled down payment and three monthly items starting on the 15th.
func approvedPlan(id string) *models.InstallmentPlan {
	start := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	return &models.InstallmentPlan{
		ID:                id,
		StudentID:         "stu-1",
		CourseID:          "course-lv",
		TotalAmount:       dec("30000"),
		DownPayment:       dec("6000"),
		RemainingAmount:   dec("24000"),
		TotalInstallments: 3,
		StartDate:         start,
		AdminApproved:     true,
		DownPaymentPaid:   true,
		Schedule: []models.InstallmentItem{
			{PlanID: id, InstallmentNumber: 1, Amount: dec("8000"), DueDate: start, Status: models.InstallmentStatusPending},
			{PlanID: id, InstallmentNumber: 2, Amount: dec("8000"), DueDate: start.AddDate(0, 1, 0), Status: models.InstallmentStatusPending},
			{PlanID: id, InstallmentNumber: 3, Amount: dec("8000"), DueDate: start.AddDate(0, 2, 0), Status: models.InstallmentStatusPending},
		},
	}
}

func TestInstallmentServiceCreatePlan(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})

	view, err := svc.CreatePlan(context.Background(), studentActor, dto.CreateInstallmentPlanRequest{
		StudentID:         "someone-else",
		CourseID:          "course-lv",
		TotalAmount:       dec("30000"),
		DownPayment:       dec("5000"),
		TotalInstallments: 5,
		StartDate:         "2026-01-15",
	})
	require.NoError(t, err)

	assert.Equal(t, "stu-1", view.StudentID)
	assert.False(t, view.AdminApproved)
	assert.False(t, view.DownPaymentPaid)
	assert.True(t, view.RemainingAmount.Equal(dec("25000")))
	assert.Equal(t, models.PlanStatusPendingApproval, view.OverallStatus)
	assert.False(t, view.CanPay)
	require.Len(t, view.Schedule, 5)
	total := decimal.Zero
	for i, item := range view.Schedule {
		assert.Equal(t, i+1, item.InstallmentNumber)
		assert.Equal(t, models.InstallmentStatusPending, item.Status)
		total = total.Add(item.Amount)
	}
	assert.True(t, total.Equal(dec("25000")))
	assert.Equal(t, "2026-05-15", view.Schedule[4].DueDate.Format(dto.DateLayout))
	assert.Contains(t, store.plans, view.ID)
}

func TestInstallmentServiceCreatePlanAdminChoosesStudent(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})

	view, err := svc.CreatePlan(context.Background(), adminActor, dto.CreateInstallmentPlanRequest{
		StudentID: "stu-9", CourseID: "course-mc", TotalAmount: dec("1000"), DownPayment: dec("0"),
		TotalInstallments: 3, StartDate: "2026-01-10",
	})
	require.NoError(t, err)
	assert.Equal(t, "stu-9", view.StudentID)

	_, err = svc.CreatePlan(context.Background(), adminActor, dto.CreateInstallmentPlanRequest{
		CourseID: "course-mc", TotalAmount: dec("1000"), TotalInstallments: 3, StartDate: "2026-01-10",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestInstallmentServiceCreatePlanValidation(t *testing.T) {
	svc := newInstallmentServiceForTest(newPlanStoreStub(), &planNotifierStub{})
	base := dto.CreateInstallmentPlanRequest{
		CourseID: "course-lv", TotalAmount: dec("30000"), DownPayment: dec("5000"), TotalInstallments: 3, StartDate: "2026-01-15",
	}

	cases := map[string]struct {
		mutate func(*dto.CreateInstallmentPlanRequest)
		want   *appErrors.Error
	}{
		"too many installments": {func(r *dto.CreateInstallmentPlanRequest) { r.TotalInstallments = 13 }, appErrors.ErrValidation},
		"missing installments":  {func(r *dto.CreateInstallmentPlanRequest) { r.TotalInstallments = 0 }, appErrors.ErrValidation},
		"start in the past":     {func(r *dto.CreateInstallmentPlanRequest) { r.StartDate = "2026-01-09" }, appErrors.ErrValidation},
		"bad date":              {func(r *dto.CreateInstallmentPlanRequest) { r.StartDate = "15/01/2026" }, appErrors.ErrValidation},
		"zero total":            {func(r *dto.CreateInstallmentPlanRequest) { r.TotalAmount = decimal.Zero }, appErrors.ErrValidation},
		"down exceeds total":    {func(r *dto.CreateInstallmentPlanRequest) { r.DownPayment = dec("30000.01") }, appErrors.ErrInvalidAmount},
		"negative down":         {func(r *dto.CreateInstallmentPlanRequest) { r.DownPayment = dec("-1") }, appErrors.ErrInvalidAmount},
		"sub-cent total":        {func(r *dto.CreateInstallmentPlanRequest) { r.TotalAmount = dec("100.005") }, appErrors.ErrValidation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := svc.CreatePlan(context.Background(), studentActor, req)
			require.Error(t, err)
			assert.True(t, appErrors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestInstallmentServiceApproveAndReject(t *testing.T) {
	store := newPlanStoreStub()
	notifier := &planNotifierStub{}
	svc := newInstallmentServiceForTest(store, notifier)
	plan := approvedPlan("plan-a")
	plan.AdminApproved = false
	plan.DownPaymentPaid = false
	store.put(plan)

	view, err := svc.ApprovePlan(context.Background(), "plan-a", dto.ApproveInstallmentPlanRequest{AdminComment: " ok "})
	require.NoError(t, err)
	assert.True(t, view.AdminApproved)
	require.NotNil(t, view.AdminComment)
	assert.Equal(t, "ok", *view.AdminComment)
	assert.Equal(t, models.PlanStatusDownPaymentDue, view.OverallStatus)
	assert.Equal(t, []string{"plan-a"}, notifier.approved)

	view, err = svc.RejectPlan(context.Background(), "plan-a", dto.RejectInstallmentPlanRequest{Reason: "income proof missing"})
	require.NoError(t, err)
	assert.False(t, view.AdminApproved)
	require.NotNil(t, view.RejectionReason)
	assert.Equal(t, "income proof missing", *view.RejectionReason)
	assert.Equal(t, []string{"plan-a"}, notifier.rejected)

	_, err = svc.RejectPlan(context.Background(), "plan-a", dto.RejectInstallmentPlanRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.ApprovePlan(context.Background(), "missing", dto.ApproveInstallmentPlanRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestInstallmentServiceApproveZeroDownPayment(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})
	plan := approvedPlan("plan-z")
	plan.AdminApproved = false
	plan.DownPaymentPaid = false
	plan.DownPayment = decimal.Zero
	store.put(plan)

	view, err := svc.ApprovePlan(context.Background(), "plan-z", dto.ApproveInstallmentPlanRequest{})
	require.NoError(t, err)
	assert.True(t, view.DownPaymentPaid)
	assert.True(t, view.CanPay)
	assert.Equal(t, models.PlanStatusActive, view.OverallStatus)
	require.NotNil(t, view.NextPayableInstallment)
	assert.Equal(t, 1, *view.NextPayableInstallment)
}

func TestInstallmentServiceUpdatePlan(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})
	pending := approvedPlan("plan-p")
	pending.AdminApproved = false
	pending.DownPaymentPaid = false
	pending.RejectionReason = stringPtr("too long")
	store.put(pending)

	view, err := svc.UpdatePlan(context.Background(), studentActor, "plan-p", dto.UpdateInstallmentPlanRequest{
		TotalInstallments: 4, StartDate: "2026-02-01", DownPayment: dec("10000"),
	})
	require.NoError(t, err)
	require.Len(t, view.Schedule, 4)
	assert.True(t, view.RemainingAmount.Equal(dec("20000")))
	assert.True(t, view.Schedule[0].Amount.Equal(dec("5000")))
	assert.Nil(t, view.RejectionReason)
	assert.Len(t, store.plans["plan-p"].Schedule, 4)

	store.put(approvedPlan("plan-locked"))
	_, err = svc.UpdatePlan(context.Background(), studentActor, "plan-locked", dto.UpdateInstallmentPlanRequest{
		TotalInstallments: 2, StartDate: "2026-02-01",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestInstallmentServiceUpdatePlanAfterPaidDownPaymentRejected(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})
	store.put(approvedPlan("plan-r"))

	_, err := svc.RejectPlan(context.Background(), "plan-r", dto.RejectInstallmentPlanRequest{Reason: "course changed"})
	require.NoError(t, err)

	_, err = svc.UpdatePlan(context.Background(), studentActor, "plan-r", dto.UpdateInstallmentPlanRequest{
		TotalInstallments: 2, StartDate: "2026-02-01", DownPayment: dec("20000"),
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	stored := store.plans["plan-r"]
	assert.True(t, stored.DownPayment.Equal(dec("6000")))
	assert.True(t, stored.RemainingAmount.Equal(dec("24000")))
	assert.Len(t, stored.Schedule, 3)
}

func TestInstallmentServicePayInstallment(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})
	store.put(approvedPlan("plan-a"))

	view, err := svc.PayInstallment(context.Background(), studentActor, "plan-a", dto.PayInstallmentRequest{
		InstallmentNumber: 1, PaymentMethod: "Cash",
	})
	require.NoError(t, err)
	assert.True(t, view.RemainingAmount.Equal(dec("16000")))
	assert.Equal(t, models.InstallmentStatusApproved, view.Schedule[0].Status)
	require.Len(t, store.settled, 1)
	assert.Equal(t, "Cash", store.settled[0].PaymentMethod)

	_, err = svc.PayInstallment(context.Background(), studentActor, "plan-a", dto.PayInstallmentRequest{
		InstallmentNumber: 1, PaymentMethod: "Cash",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyPaid))
	assert.True(t, store.plans["plan-a"].RemainingAmount.Equal(dec("16000")))
	assert.Len(t, store.settled, 1)
}

func TestInstallmentServicePayInstallmentGuards(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})
	store.put(approvedPlan("plan-a"))

	_, err := svc.PayInstallment(context.Background(), studentActor, "plan-a", dto.PayInstallmentRequest{
		InstallmentNumber: 2, PaymentMethod: "Cash",
	})
	require.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.Contains(t, err.Error(), "2026-02-08")

	_, err = svc.PayInstallment(context.Background(), studentActor, "plan-a", dto.PayInstallmentRequest{
		InstallmentNumber: 9, PaymentMethod: "Cash",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))

	_, err = svc.PayInstallment(context.Background(), studentActor, "plan-a", dto.PayInstallmentRequest{
		InstallmentNumber: 1, PaymentMethod: "Bank",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	unpaidDown := approvedPlan("plan-d")
	unpaidDown.DownPaymentPaid = false
	store.put(unpaidDown)
	_, err = svc.PayInstallment(context.Background(), studentActor, "plan-d", dto.PayInstallmentRequest{
		InstallmentNumber: 1, PaymentMethod: "Cash",
	})
	require.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.Contains(t, err.Error(), "down payment")
	assert.Empty(t, store.settled)
}

func TestInstallmentServiceDeletePlan(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})
	store.put(approvedPlan("plan-a"))
	pending := approvedPlan("plan-p")
	pending.AdminApproved = false
	pending.DownPaymentPaid = false
	store.put(pending)
	rejectedPaid := approvedPlan("plan-r")
	rejectedPaid.AdminApproved = false
	store.put(rejectedPaid)

	err := svc.DeletePlan(context.Background(), studentActor, "plan-a")
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	err = svc.DeletePlan(context.Background(), studentActor, "plan-r")
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	require.NoError(t, svc.DeletePlan(context.Background(), studentActor, "plan-p"))
	assert.Equal(t, []string{"plan-p"}, store.deleted)

	err = svc.DeletePlan(context.Background(), studentActor, "plan-p")
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestInstallmentServiceOwnership(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})
	store.put(approvedPlan("plan-a"))
	other := approvedPlan("plan-b")
	other.StudentID = "stu-2"
	store.put(other)

	intruder := Actor{UserID: "stu-2", Role: models.RoleStudent}
	_, err := svc.GetPlan(context.Background(), intruder, "plan-a")
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = svc.GetPlan(context.Background(), adminActor, "plan-a")
	assert.NoError(t, err)

	views, err := svc.ListPlans(context.Background(), intruder, dto.InstallmentPlanQuery{StudentID: "stu-1"})
	require.NoError(t, err)
	assert.Equal(t, "stu-2", store.listFilter.StudentID)
	require.Len(t, views, 1)
	assert.Equal(t, "plan-b", views[0].ID)
}

func TestInstallmentServiceSummary(t *testing.T) {
	store := newPlanStoreStub()
	svc := newInstallmentServiceForTest(store, &planNotifierStub{})

	store.put(approvedPlan("active"))

	downDue := approvedPlan("down-due")
	downDue.DownPaymentPaid = false
	store.put(downDue)

	pending := approvedPlan("pending")
	pending.AdminApproved = false
	store.put(pending)

	late := approvedPlan("late")
	late.Schedule[0].DueDate = time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	late.Schedule[0].Status = models.InstallmentStatusOverdue
	store.put(late)

	summary, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalPlans)
	assert.Equal(t, 1, summary.ByStatus[models.PlanStatusActive])
	assert.Equal(t, 1, summary.ByStatus[models.PlanStatusDownPaymentDue])
	assert.Equal(t, 1, summary.ByStatus[models.PlanStatusPendingApproval])
	assert.Equal(t, 1, summary.ByStatus[models.PlanStatusOverdue])
	// three approved plans with 24000 remaining each, plus one unpaid 6000 down payment
	assert.Equal(t, "78000.00", summary.OutstandingTotal)
}

func stringPtr(v string) *string {
	return &v
}
