package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/drivingschool-api/internal/dto"
	"github.com/noah-isme/drivingschool-api/internal/models"
	"github.com/noah-isme/drivingschool-api/internal/repository"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
)

type paymentStoreStub struct {
	payments    map[string]*models.Payment
	order       []string
	seq         int
	approved    []repository.ApprovePaymentParams
	approveErr  error
	receiptURLs map[string]string
	listFilters []models.PaymentFilter
}

func newPaymentStoreStub() *paymentStoreStub {
	return &paymentStoreStub{payments: map[string]*models.Payment{}, receiptURLs: map[string]string{}}
}

func (s *paymentStoreStub) put(p *models.Payment) {
	s.payments[p.ID] = p
	s.order = append(s.order, p.ID)
}

func (s *paymentStoreStub) Create(ctx context.Context, payment *models.Payment) error {
	s.seq++
	payment.ID = fmt.Sprintf("pay-%d", s.seq)
	clone := *payment
	s.put(&clone)
	return nil
}

func (s *paymentStoreStub) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *p
	return &clone, nil
}

func (s *paymentStoreStub) List(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int, error) {
	s.listFilters = append(s.listFilters, filter)
	matched := make([]models.Payment, 0)
	for _, id := range s.order {
		p, ok := s.payments[id]
		if !ok {
			continue
		}
		if filter.StudentName != "" && p.StudentName != filter.StudentName {
			continue
		}
		matched = append(matched, *p)
	}
	start := (filter.Page - 1) * filter.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (s *paymentStoreStub) UpdatePending(ctx context.Context, payment *models.Payment) error {
	stored, ok := s.payments[payment.ID]
	if !ok || stored.Status != models.PaymentStatusPending {
		return repository.ErrPaymentNotPending
	}
	clone := *payment
	s.payments[payment.ID] = &clone
	return nil
}

func (s *paymentStoreStub) DeletePending(ctx context.Context, id string) error {
	stored, ok := s.payments[id]
	if !ok || stored.Status != models.PaymentStatusPending {
		return repository.ErrPaymentNotPending
	}
	delete(s.payments, id)
	return nil
}

func (s *paymentStoreStub) Approve(ctx context.Context, params repository.ApprovePaymentParams) error {
	if s.approveErr != nil {
		return s.approveErr
	}
	s.approved = append(s.approved, params)
	s.payments[params.ID].Status = models.PaymentStatusApproved
	return nil
}

func (s *paymentStoreStub) Reject(ctx context.Context, id string, comment *string, at time.Time) error {
	s.payments[id].Status = models.PaymentStatusRejected
	return nil
}

func (s *paymentStoreStub) SetReceiptURL(ctx context.Context, id, url string) error {
	s.receiptURLs[id] = url
	return nil
}

type planReaderStub map[string]*models.InstallmentPlan

func (r planReaderStub) GetByID(ctx context.Context, id string) (*models.InstallmentPlan, error) {
	plan, ok := r[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return plan, nil
}

type paymentNotifierStub struct {
	approved []*models.Payment
	rejected []*models.Payment
}

func (n *paymentNotifierStub) PaymentApproved(ctx context.Context, payment *models.Payment) {
	n.approved = append(n.approved, payment)
}

func (n *paymentNotifierStub) PaymentRejected(ctx context.Context, payment *models.Payment) {
	n.rejected = append(n.rejected, payment)
}

type receiptIssuerStub struct {
	err    error
	issued []string
}

func (r *receiptIssuerStub) Issue(ctx context.Context, payment *models.Payment) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.issued = append(r.issued, payment.ID)
	return "https://school.test/receipts/download?token=" + payment.ID, nil
}

func newPaymentServiceForTest(store *paymentStoreStub, plans planReaderStub, opts ...PaymentServiceOption) *PaymentService {
	opts = append(opts, WithPaymentClock(func() time.Time { return tuitionNow }))
	return NewPaymentService(store, plans, nil, zap.NewNop(), opts...)
}

func cardRequest(number string) dto.CreatePaymentRequest {
	return dto.CreatePaymentRequest{
		CourseName:    "Light Vehicle",
		Amount:        dec("30000"),
		PaymentType:   "Full",
		PaymentMethod: "Card",
		CardDetails: &dto.CardDetails{
			Number:     number,
			HolderName: "Nimal Perera",
			Expiry:     "12/30",
			CVV:        "123",
		},
	}
}

func TestPaymentServiceCardPayments(t *testing.T) {
	store := newPaymentStoreStub()
	metrics := NewMetricsService()
	svc := newPaymentServiceForTest(store, planReaderStub{}, WithPaymentMetrics(metrics))

	payment, err := svc.CreatePayment(context.Background(), studentActor, cardRequest("4111111111111112"))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Equal(t, "stu-1", payment.StudentID())
	require.NotNil(t, payment.TransactionID)
	assert.True(t, strings.HasPrefix(*payment.TransactionID, "TXN-"))
	require.NotNil(t, payment.CardLast4)
	assert.Equal(t, "1112", *payment.CardLast4)
	assert.Equal(t, "12/30", *payment.CardExpiry)
	assert.Len(t, store.payments, 1)

	_, err = svc.CreatePayment(context.Background(), studentActor, cardRequest("4111111111111111"))
	assert.True(t, appErrors.Is(err, appErrors.ErrGatewayDeclined))
	assert.Len(t, store.payments, 1)
}

func TestPaymentServiceCreateValidation(t *testing.T) {
	store := newPaymentStoreStub()
	svc := newPaymentServiceForTest(store, planReaderStub{})

	cases := map[string]func(*dto.CreatePaymentRequest){
		"expired card":      func(r *dto.CreatePaymentRequest) { r.CardDetails.Expiry = "12/25" },
		"short card number": func(r *dto.CreatePaymentRequest) { r.CardDetails.Number = "411111111111" },
		"holder digits":     func(r *dto.CreatePaymentRequest) { r.CardDetails.HolderName = "N1mal" },
		"bad cvv":           func(r *dto.CreatePaymentRequest) { r.CardDetails.CVV = "12a" },
		"signed card":       func(r *dto.CreatePaymentRequest) { r.CardDetails.Number = "+411111111111112" },
		"decimal card":      func(r *dto.CreatePaymentRequest) { r.CardDetails.Number = "4111111.11111112" },
		"decimal cvv":       func(r *dto.CreatePaymentRequest) { r.CardDetails.CVV = "1.2" },
		"signed cvv":        func(r *dto.CreatePaymentRequest) { r.CardDetails.CVV = "+12" },
		"single word":       func(r *dto.CreatePaymentRequest) { r.CardDetails.HolderName = "Nimal" },
		"five words":        func(r *dto.CreatePaymentRequest) { r.CardDetails.HolderName = "Nimal Kumara Perera De Silva" },
		"missing card":      func(r *dto.CreatePaymentRequest) { r.CardDetails = nil },
		"unknown course":    func(r *dto.CreatePaymentRequest) { r.CourseName = "Boat" },
		"zero amount":       func(r *dto.CreatePaymentRequest) { r.Amount = dec("0") },
		"bank without slip": func(r *dto.CreatePaymentRequest) { r.PaymentMethod = "Bank"; r.CardDetails = nil },
		"full with plan":    func(r *dto.CreatePaymentRequest) { r.PlanID = "plan-a" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := cardRequest("4111111111111112")
			mutate(&req)
			_, err := svc.CreatePayment(context.Background(), studentActor, req)
			assert.True(t, appErrors.Is(err, appErrors.ErrValidation), "got %v", err)
		})
	}
	assert.Empty(t, store.payments)
}

func TestPaymentServiceBankAndCashPayments(t *testing.T) {
	store := newPaymentStoreStub()
	svc := newPaymentServiceForTest(store, planReaderStub{})

	bank, err := svc.CreatePayment(context.Background(), studentActor, dto.CreatePaymentRequest{
		CourseName: "Motorcycle", Amount: dec("15000"), PaymentType: "Full", PaymentMethod: "Bank",
		SlipURL: "https://files.test/slip-1.jpg",
	})
	require.NoError(t, err)
	require.NotNil(t, bank.SlipURL)
	assert.Nil(t, bank.TransactionID)
	assert.Nil(t, bank.CardLast4)

	cash, err := svc.CreatePayment(context.Background(), adminActor, dto.CreatePaymentRequest{
		StudentName: "stu-7", CourseName: "Heavy Vehicle", Amount: dec("50000"), PaymentType: "Full", PaymentMethod: "Cash",
	})
	require.NoError(t, err)
	assert.Equal(t, "stu-7", cash.StudentID())
	assert.Nil(t, cash.SlipURL)
}

func TestPaymentServicePlanPayments(t *testing.T) {
	awaiting := approvedPlan("plan-a")
	awaiting.DownPaymentPaid = false
	unapproved := approvedPlan("plan-u")
	unapproved.AdminApproved = false
	plans := planReaderStub{"plan-a": awaiting, "plan-u": unapproved, "plan-paid": approvedPlan("plan-paid")}
	store := newPaymentStoreStub()
	svc := newPaymentServiceForTest(store, plans)

	down := dto.CreatePaymentRequest{
		CourseName: "Light Vehicle", Amount: dec("6000"), PaymentType: "Installment", PaymentMethod: "Cash", PlanID: "plan-a",
	}
	payment, err := svc.CreatePayment(context.Background(), studentActor, down)
	require.NoError(t, err)
	require.NotNil(t, payment.PlanID)
	assert.True(t, payment.IsDownPayment())

	wrongAmount := down
	wrongAmount.Amount = dec("5000")
	_, err = svc.CreatePayment(context.Background(), studentActor, wrongAmount)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	notApproved := down
	notApproved.PlanID = "plan-u"
	_, err = svc.CreatePayment(context.Background(), studentActor, notApproved)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	alreadyPaid := down
	alreadyPaid.PlanID = "plan-paid"
	_, err = svc.CreatePayment(context.Background(), studentActor, alreadyPaid)
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyPaid))

	_, err = svc.CreatePayment(context.Background(), Actor{UserID: "stu-2", Role: models.RoleStudent}, down)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	one := 1
	installment := down
	installment.PlanID = "plan-paid"
	installment.Amount = dec("8000")
	installment.InstallmentNumber = &one
	payment, err = svc.CreatePayment(context.Background(), studentActor, installment)
	require.NoError(t, err)
	require.NotNil(t, payment.InstallmentNumber)
	assert.Equal(t, 1, *payment.InstallmentNumber)

	three := 3
	tooEarly := installment
	tooEarly.InstallmentNumber = &three
	_, err = svc.CreatePayment(context.Background(), studentActor, tooEarly)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestPaymentServiceEditOnlyPending(t *testing.T) {
	store := newPaymentStoreStub()
	svc := newPaymentServiceForTest(store, planReaderStub{})
	store.put(&models.Payment{ID: "pay-a", StudentName: "stu-1", CourseName: models.CourseMotorcycle, Amount: dec("100"),
		PaymentType: models.PaymentTypeFull, PaymentMethod: models.PaymentMethodCash, Status: models.PaymentStatusApproved})
	store.put(&models.Payment{ID: "pay-p", StudentName: "stu-1", CourseName: models.CourseMotorcycle, Amount: dec("100"),
		PaymentType: models.PaymentTypeFull, PaymentMethod: models.PaymentMethodCash, Status: models.PaymentStatusPending})

	update := dto.UpdatePaymentRequest{CourseName: "Three Wheeler", Amount: dec("120"), PaymentMethod: "Cash"}
	_, err := svc.UpdatePayment(context.Background(), studentActor, "pay-a", update)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	_, err = svc.DeletePayment(context.Background(), studentActor, "pay-a")
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	updated, err := svc.UpdatePayment(context.Background(), studentActor, "pay-p", update)
	require.NoError(t, err)
	assert.Equal(t, models.CourseThreeWheeler, updated.CourseName)
	assert.True(t, updated.Amount.Equal(dec("120")))

	_, err = svc.DeletePayment(context.Background(), Actor{UserID: "stu-2", Role: models.RoleStudent}, "pay-p")
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	deleted, err := svc.DeletePayment(context.Background(), studentActor, "pay-p")
	require.NoError(t, err)
	assert.Equal(t, "pay-p", deleted.ID)
	assert.NotContains(t, store.payments, "pay-p")
}

func TestPaymentServiceApprove(t *testing.T) {
	store := newPaymentStoreStub()
	notifier := &paymentNotifierStub{}
	receipts := &receiptIssuerStub{}
	svc := newPaymentServiceForTest(store, planReaderStub{}, WithPaymentNotifier(notifier), WithPaymentReceipts(receipts))
	planID := "plan-a"
	store.put(&models.Payment{ID: "pay-d", StudentName: "stu-1", CourseName: models.CourseLightVehicle, Amount: dec("6000"),
		PaymentType: models.PaymentTypeInstallment, PaymentMethod: models.PaymentMethodCash, Status: models.PaymentStatusPending, PlanID: &planID})

	approved, err := svc.ApprovePayment(context.Background(), "pay-d", dto.ReviewPaymentRequest{AdminComment: "received"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, approved.Status)
	require.NotNil(t, approved.PaidDate)
	require.NotNil(t, approved.ReceiptURL)
	assert.Equal(t, store.receiptURLs["pay-d"], *approved.ReceiptURL)
	require.Len(t, store.approved, 1)
	assert.Equal(t, &planID, store.approved[0].PlanID)
	assert.Nil(t, store.approved[0].InstallmentNumber)
	assert.True(t, store.approved[0].Amount.Equal(dec("6000")))
	assert.Len(t, notifier.approved, 1)

	_, err = svc.ApprovePayment(context.Background(), "pay-d", dto.ReviewPaymentRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.Len(t, store.approved, 1)
}

func TestPaymentServiceApproveSurvivesReceiptFailure(t *testing.T) {
	store := newPaymentStoreStub()
	svc := newPaymentServiceForTest(store, planReaderStub{}, WithPaymentReceipts(&receiptIssuerStub{err: errors.New("disk full")}))
	store.put(&models.Payment{ID: "pay-f", StudentName: "stu-1", CourseName: models.CourseMotorcycle, Amount: dec("100"),
		PaymentType: models.PaymentTypeFull, PaymentMethod: models.PaymentMethodCash, Status: models.PaymentStatusPending})

	approved, err := svc.ApprovePayment(context.Background(), "pay-f", dto.ReviewPaymentRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, approved.Status)
	assert.Nil(t, approved.ReceiptURL)
}

func TestPaymentServiceApproveMapsSettlementConflicts(t *testing.T) {
	store := newPaymentStoreStub()
	store.approveErr = repository.ErrPlanNotSettleable
	svc := newPaymentServiceForTest(store, planReaderStub{})
	planID := "plan-a"
	store.put(&models.Payment{ID: "pay-d", StudentName: "stu-1", Amount: dec("6000"), PaymentType: models.PaymentTypeInstallment,
		PaymentMethod: models.PaymentMethodCash, Status: models.PaymentStatusPending, PlanID: &planID})

	_, err := svc.ApprovePayment(context.Background(), "pay-d", dto.ReviewPaymentRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestPaymentServiceReject(t *testing.T) {
	store := newPaymentStoreStub()
	notifier := &paymentNotifierStub{}
	svc := newPaymentServiceForTest(store, planReaderStub{}, WithPaymentNotifier(notifier))
	store.put(&models.Payment{ID: "pay-b", StudentName: "stu-1", Amount: dec("100"), PaymentType: models.PaymentTypeFull,
		PaymentMethod: models.PaymentMethodBank, Status: models.PaymentStatusPending})

	rejected, err := svc.RejectPayment(context.Background(), "pay-b", dto.ReviewPaymentRequest{AdminComment: "slip unreadable"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRejected, rejected.Status)
	require.NotNil(t, rejected.AdminComment)
	require.Len(t, notifier.rejected, 1)
	assert.Equal(t, models.PaymentMethodBank, notifier.rejected[0].PaymentMethod)

	_, err = svc.RejectPayment(context.Background(), "pay-b", dto.ReviewPaymentRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestPaymentServiceListScopesStudents(t *testing.T) {
	store := newPaymentStoreStub()
	svc := newPaymentServiceForTest(store, planReaderStub{})
	store.put(&models.Payment{ID: "pay-1", StudentName: "stu-1", Amount: dec("1")})
	store.put(&models.Payment{ID: "pay-2", StudentName: "stu-2", Amount: dec("1")})

	payments, pagination, err := svc.ListPayments(context.Background(), studentActor, dto.PaymentQuery{StudentName: "stu-2"})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "pay-1", payments[0].ID)
	assert.Equal(t, 1, pagination.TotalCount)
	assert.Equal(t, 20, pagination.PageSize)

	payments, _, err = svc.ListPayments(context.Background(), adminActor, dto.PaymentQuery{})
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestPaymentServiceExport(t *testing.T) {
	store := newPaymentStoreStub()
	svc := newPaymentServiceForTest(store, planReaderStub{})
	planID := "plan-a"
	two := 2
	store.put(&models.Payment{ID: "pay-1", StudentName: "stu-1", CourseName: models.CourseMotorcycle, Amount: dec("100.50"),
		PaymentType: models.PaymentTypeFull, PaymentMethod: models.PaymentMethodCash, Status: models.PaymentStatusApproved, CreatedAt: tuitionNow})
	store.put(&models.Payment{ID: "pay-2", StudentName: "stu-2", CourseName: models.CourseLightVehicle, Amount: dec("8000"),
		PaymentType: models.PaymentTypeInstallment, PaymentMethod: models.PaymentMethodBank, Status: models.PaymentStatusPending,
		PlanID: &planID, InstallmentNumber: &two, CreatedAt: tuitionNow})

	content, err := svc.ExportPayments(context.Background(), dto.PaymentQuery{})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "id,student_id,course,amount"))
	assert.Contains(t, lines[1], "pay-1,stu-1,Motorcycle,100.50")
	assert.Contains(t, lines[2], "plan-a,2")
	assert.True(t, strings.HasPrefix(lines[3], "TOTAL,,,8100.50"))
	assert.Equal(t, exportPageSize, store.listFilters[0].PageSize)
}
