package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/drivingschool-api/internal/models"
	"github.com/noah-isme/drivingschool-api/pkg/jobs"
	"github.com/noah-isme/drivingschool-api/pkg/mailer"
	"github.com/noah-isme/drivingschool-api/pkg/money"
)

// NotificationJobType tags email jobs on the worker queue.
const NotificationJobType = "tuition.email"

// StudentDirectory resolves student identities for notifications.
type StudentDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// Notification is the queued unit of work: a rendered email addressed to a student.
type Notification struct {
	Kind      string
	StudentID string
	Subject   string
	Body      string
}

// NotificationService renders tuition emails and hands them to the outbound queue.
// Delivery problems are logged and never reach the caller.
type NotificationService struct {
	queue     jobEnqueuer
	directory StudentDirectory
	mailer    mailer.Mailer
	metrics   *MetricsService
	logger    *zap.Logger
	school    string
	currency  string
}

// NotificationServiceOption configures the service.
type NotificationServiceOption func(*NotificationService)

// WithNotificationQueue routes notifications through an asynchronous queue.
// Without one, notifications are delivered inline.
func WithNotificationQueue(queue jobEnqueuer) NotificationServiceOption {
	return func(s *NotificationService) {
		s.queue = queue
	}
}

// WithNotificationMetrics records delivery outcomes.
func WithNotificationMetrics(metrics *MetricsService) NotificationServiceOption {
	return func(s *NotificationService) {
		s.metrics = metrics
	}
}

// WithNotificationBranding sets the school name and currency used in templates.
func WithNotificationBranding(school, currency string) NotificationServiceOption {
	return func(s *NotificationService) {
		if school != "" {
			s.school = school
		}
		if currency != "" {
			s.currency = currency
		}
	}
}

// NewNotificationService constructs the notification gateway.
func NewNotificationService(directory StudentDirectory, m mailer.Mailer, logger *zap.Logger, opts ...NotificationServiceOption) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = mailer.NewLogMailer(logger)
	}
	svc := &NotificationService{
		directory: directory,
		mailer:    m,
		logger:    logger,
		school:    "Driving School",
		currency:  "LKR",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// PlanApproved notifies the student that their plan was approved.
func (s *NotificationService) PlanApproved(ctx context.Context, plan *models.InstallmentPlan) {
	s.dispatch(ctx, s.planApprovedEmail(plan))
}

// PlanRejected notifies the student that their plan was rejected.
func (s *NotificationService) PlanRejected(ctx context.Context, plan *models.InstallmentPlan) {
	s.dispatch(ctx, s.planRejectedEmail(plan))
}

// PaymentApproved notifies the student that a payment was accepted.
func (s *NotificationService) PaymentApproved(ctx context.Context, payment *models.Payment) {
	s.dispatch(ctx, s.paymentApprovedEmail(payment))
}

// PaymentRejected notifies the student with guidance that depends on the payment method.
func (s *NotificationService) PaymentRejected(ctx context.Context, payment *models.Payment) {
	s.dispatch(ctx, s.paymentRejectedEmail(payment))
}

// InstallmentDue queues a reminder for an upcoming installment. Unlike the other
// notifications, a failure to queue is returned so reminder runs can count it.
func (s *NotificationService) InstallmentDue(ctx context.Context, due models.DueInstallment) error {
	return s.dispatchErr(ctx, s.reminderEmail(due))
}

// Deliver is the queue handler: it resolves the student's address and sends the email.
func (s *NotificationService) Deliver(ctx context.Context, job jobs.Job) error {
	n, ok := job.Payload.(Notification)
	if !ok {
		s.logger.Error("unexpected notification payload", zap.String("job_id", job.ID))
		return nil
	}
	err := s.deliver(ctx, n)
	s.metrics.RecordNotification(n.Kind, err == nil)
	return err
}

func (s *NotificationService) deliver(ctx context.Context, n Notification) error {
	if s.directory == nil {
		return errors.New("student directory not configured")
	}
	student, err := s.directory.FindByID(ctx, n.StudentID)
	if err != nil {
		return fmt.Errorf("resolve student %s: %w", n.StudentID, err)
	}
	if strings.TrimSpace(student.Email) == "" {
		s.logger.Warn("student has no email address, dropping notification",
			zap.String("student_id", n.StudentID), zap.String("kind", n.Kind))
		return nil
	}
	body := n.Body
	if student.FullName != "" {
		body = fmt.Sprintf("Dear %s,\n\n%s", student.FullName, n.Body)
	}
	return s.mailer.Send(ctx, mailer.Message{To: student.Email, Subject: n.Subject, Body: body})
}

func (s *NotificationService) dispatch(ctx context.Context, n Notification) {
	if err := s.dispatchErr(ctx, n); err != nil {
		s.logger.Warn("notification not delivered",
			zap.String("kind", n.Kind), zap.String("student_id", n.StudentID), zap.Error(err))
	}
}

func (s *NotificationService) dispatchErr(ctx context.Context, n Notification) error {
	if s == nil {
		return nil
	}
	if s.queue == nil {
		err := s.deliver(ctx, n)
		s.metrics.RecordNotification(n.Kind, err == nil)
		return err
	}
	return s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: NotificationJobType, Payload: n})
}

func (s *NotificationService) planApprovedEmail(plan *models.InstallmentPlan) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Your installment plan for course %s has been approved.\n\n", plan.CourseID)
	fmt.Fprintf(&b, "Total amount: %s %s\n", s.currency, money.Format(plan.TotalAmount))
	fmt.Fprintf(&b, "Down payment due now: %s %s\n", s.currency, money.Format(plan.DownPayment))
	fmt.Fprintf(&b, "Installments: %d\n", plan.TotalInstallments)
	if plan.AdminComment != nil && *plan.AdminComment != "" {
		fmt.Fprintf(&b, "\nComment from the office: %s\n", *plan.AdminComment)
	}
	b.WriteString("\nPlease pay the down payment to activate your schedule.\n")
	fmt.Fprintf(&b, "\n%s", s.school)
	return Notification{
		Kind:      "plan_approved",
		StudentID: plan.StudentID,
		Subject:   fmt.Sprintf("%s: installment plan approved", s.school),
		Body:      b.String(),
	}
}

func (s *NotificationService) planRejectedEmail(plan *models.InstallmentPlan) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Your installment plan for course %s was not approved.\n", plan.CourseID)
	if plan.RejectionReason != nil && *plan.RejectionReason != "" {
		fmt.Fprintf(&b, "\nReason: %s\n", *plan.RejectionReason)
	}
	b.WriteString("\nYou can edit the plan and it will be reviewed again.\n")
	fmt.Fprintf(&b, "\n%s", s.school)
	return Notification{
		Kind:      "plan_rejected",
		StudentID: plan.StudentID,
		Subject:   fmt.Sprintf("%s: installment plan rejected", s.school),
		Body:      b.String(),
	}
}

func (s *NotificationService) paymentApprovedEmail(payment *models.Payment) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Your %s payment of %s %s for %s has been approved.\n",
		strings.ToLower(string(payment.PaymentMethod)), s.currency, money.Format(payment.Amount), payment.CourseName)
	if payment.IsDownPayment() {
		b.WriteString("This settles the down payment of your installment plan.\n")
	} else if payment.InstallmentNumber != nil {
		fmt.Fprintf(&b, "This settles installment #%d of your plan.\n", *payment.InstallmentNumber)
	}
	if payment.ReceiptURL != nil && *payment.ReceiptURL != "" {
		fmt.Fprintf(&b, "\nDownload your receipt: %s\n", *payment.ReceiptURL)
	}
	if payment.AdminComment != nil && *payment.AdminComment != "" {
		fmt.Fprintf(&b, "\nComment from the office: %s\n", *payment.AdminComment)
	}
	fmt.Fprintf(&b, "\n%s", s.school)
	return Notification{
		Kind:      "payment_approved",
		StudentID: payment.StudentID(),
		Subject:   fmt.Sprintf("%s: payment approved", s.school),
		Body:      b.String(),
	}
}

func (s *NotificationService) paymentRejectedEmail(payment *models.Payment) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Your %s payment of %s %s for %s was rejected.\n",
		strings.ToLower(string(payment.PaymentMethod)), s.currency, money.Format(payment.Amount), payment.CourseName)
	if payment.AdminComment != nil && *payment.AdminComment != "" {
		fmt.Fprintf(&b, "\nReason: %s\n", *payment.AdminComment)
	}
	b.WriteString("\n")
	b.WriteString(rejectionGuidance(payment))
	fmt.Fprintf(&b, "\n\n%s", s.school)
	return Notification{
		Kind:      "payment_rejected",
		StudentID: payment.StudentID(),
		Subject:   fmt.Sprintf("%s: payment rejected", s.school),
		Body:      b.String(),
	}
}

// rejectionGuidance tells the student what happens next for each payment method.
func rejectionGuidance(payment *models.Payment) string {
	switch payment.PaymentMethod {
	case models.PaymentMethodCard:
		ref := ""
		if payment.TransactionID != nil {
			ref = fmt.Sprintf(" (transaction %s)", *payment.TransactionID)
		}
		return fmt.Sprintf("A refund to your card%s has been initiated. Please allow 5-7 business days for it to appear on your statement.", ref)
	case models.PaymentMethodBank:
		ref := payment.ID
		if payment.SlipURL != nil && *payment.SlipURL != "" {
			ref = *payment.SlipURL
		}
		return fmt.Sprintf("Please contact the school office and quote your bank slip reference (%s) so we can verify the deposit.", ref)
	default:
		return "Please visit the school office to resolve this cash payment."
	}
}

func (s *NotificationService) reminderEmail(due models.DueInstallment) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Installment #%d of your plan for course %s is due on %s.\n",
		due.InstallmentNumber, due.CourseID, due.DueDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Amount due: %s %s\n", s.currency, money.Format(due.Amount))
	b.WriteString("\nYou can pay from your installment plan page.\n")
	fmt.Fprintf(&b, "\n%s", s.school)
	return Notification{
		Kind:      "installment_reminder",
		StudentID: due.StudentID,
		Subject:   fmt.Sprintf("%s: installment #%d due %s", s.school, due.InstallmentNumber, due.DueDate.Format("2006-01-02")),
		Body:      b.String(),
	}
}
