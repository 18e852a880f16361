package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/drivingschool-api/internal/dto"
	"github.com/noah-isme/drivingschool-api/internal/models"
	"github.com/noah-isme/drivingschool-api/internal/service"
	"github.com/noah-isme/drivingschool-api/pkg/response"
)

type paymentService interface {
	CreatePayment(ctx context.Context, actor service.Actor, req dto.CreatePaymentRequest) (*models.Payment, error)
	GetPayment(ctx context.Context, actor service.Actor, id string) (*models.Payment, error)
	ListPayments(ctx context.Context, actor service.Actor, query dto.PaymentQuery) ([]models.Payment, *models.Pagination, error)
	UpdatePayment(ctx context.Context, actor service.Actor, id string, req dto.UpdatePaymentRequest) (*models.Payment, error)
	DeletePayment(ctx context.Context, actor service.Actor, id string) (*models.Payment, error)
	ApprovePayment(ctx context.Context, id string, req dto.ReviewPaymentRequest) (*models.Payment, error)
	RejectPayment(ctx context.Context, id string, req dto.ReviewPaymentRequest) (*models.Payment, error)
	ExportPayments(ctx context.Context, query dto.PaymentQuery) ([]byte, error)
}

type reminderRunner interface {
	Run(ctx context.Context) (*models.ReminderRunResult, error)
}

// PaymentHandler exposes payment capture and review endpoints.
type PaymentHandler struct {
	service   paymentService
	reminders reminderRunner
	now       func() time.Time
}

// NewPaymentHandler builds a new handler.
func NewPaymentHandler(service paymentService, reminders reminderRunner) *PaymentHandler {
	return &PaymentHandler{service: service, reminders: reminders, now: time.Now}
}

// List godoc
// @Summary List payments
// @Tags Payments
// @Produce json
// @Param status query string false "Comma separated statuses (Pending, Approved, Rejected)"
// @Param studentName query string false "Student ID (admins only)"
// @Param courseName query string false "Course name"
// @Param from query string false "Created on or after (YYYY-MM-DD)"
// @Param to query string false "Created on or before (YYYY-MM-DD)"
// @Param page query int false "Page number"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /payments [get]
func (h *PaymentHandler) List(c *gin.Context) {
	query, err := paymentQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	payments, pagination, err := h.service.ListPayments(c.Request.Context(), actorFromContext(c), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payments, pagination)
}

// Create godoc
// @Summary Record a payment
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body dto.CreatePaymentRequest true "Payment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /payments [post]
func (h *PaymentHandler) Create(c *gin.Context) {
	var req dto.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "payment"))
		return
	}
	payment, err := h.service.CreatePayment(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, payment)
}

// Get godoc
// @Summary Get a payment
// @Tags Payments
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /payments/{id} [get]
func (h *PaymentHandler) Get(c *gin.Context) {
	payment, err := h.service.GetPayment(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Update godoc
// @Summary Edit a pending payment
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path string true "Payment ID"
// @Param payload body dto.UpdatePaymentRequest true "Payment payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /payments/{id} [put]
func (h *PaymentHandler) Update(c *gin.Context) {
	var req dto.UpdatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "payment"))
		return
	}
	payment, err := h.service.UpdatePayment(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Delete godoc
// @Summary Delete a pending payment
// @Tags Payments
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /payments/{id} [delete]
func (h *PaymentHandler) Delete(c *gin.Context) {
	payment, err := h.service.DeletePayment(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Approve godoc
// @Summary Approve a payment and issue its receipt
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "Payment ID"
// @Param payload body dto.ReviewPaymentRequest false "Reviewer comment"
// @Success 200 {object} response.Envelope
// @Router /admin/payments/{id}/approve [patch]
func (h *PaymentHandler) Approve(c *gin.Context) {
	var req dto.ReviewPaymentRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, bindError(err, "review"))
		return
	}
	payment, err := h.service.ApprovePayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Reject godoc
// @Summary Reject a payment
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "Payment ID"
// @Param payload body dto.ReviewPaymentRequest false "Reviewer comment"
// @Success 200 {object} response.Envelope
// @Router /admin/payments/{id}/reject [patch]
func (h *PaymentHandler) Reject(c *gin.Context) {
	var req dto.ReviewPaymentRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, bindError(err, "review"))
		return
	}
	payment, err := h.service.RejectPayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Export godoc
// @Summary Export payments as CSV
// @Tags Admin
// @Produce text/csv
// @Param status query string false "Comma separated statuses"
// @Param from query string false "Created on or after (YYYY-MM-DD)"
// @Param to query string false "Created on or before (YYYY-MM-DD)"
// @Success 200 {file} file
// @Router /admin/payments/export [get]
func (h *PaymentHandler) Export(c *gin.Context) {
	query, err := paymentQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	content, err := h.service.ExportPayments(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("payments-%s.csv", h.now().UTC().Format("20060102-150405"))
	response.Attachment(c, filename, "text/csv; charset=utf-8", content)
}

// RunReminders godoc
// @Summary Flag overdue installments and send due reminders
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Router /admin/payments/reminders/run [post]
func (h *PaymentHandler) RunReminders(c *gin.Context) {
	result, err := h.reminders.Run(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

func paymentQuery(c *gin.Context) (dto.PaymentQuery, error) {
	query := dto.PaymentQuery{
		StudentName: c.Query("studentName"),
		CourseName:  c.Query("courseName"),
	}
	for _, status := range queryList(c, "status") {
		query.Status = append(query.Status, models.PaymentStatus(status))
	}
	var err error
	if query.From, err = queryDate(c, "from", false); err != nil {
		return query, err
	}
	if query.To, err = queryDate(c, "to", true); err != nil {
		return query, err
	}
	if query.Page, err = queryInt(c, "page"); err != nil {
		return query, err
	}
	if query.PageSize, err = queryInt(c, "pageSize"); err != nil {
		return query, err
	}
	return query, nil
}
