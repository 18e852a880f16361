package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/drivingschool-api/internal/dto"
	"github.com/noah-isme/drivingschool-api/internal/models"
	"github.com/noah-isme/drivingschool-api/internal/service"
	"github.com/noah-isme/drivingschool-api/pkg/response"
)

type installmentService interface {
	CreatePlan(ctx context.Context, actor service.Actor, req dto.CreateInstallmentPlanRequest) (*models.InstallmentPlanView, error)
	GetPlan(ctx context.Context, actor service.Actor, id string) (*models.InstallmentPlanView, error)
	ListPlans(ctx context.Context, actor service.Actor, query dto.InstallmentPlanQuery) ([]models.InstallmentPlanView, error)
	UpdatePlan(ctx context.Context, actor service.Actor, id string, req dto.UpdateInstallmentPlanRequest) (*models.InstallmentPlanView, error)
	PayInstallment(ctx context.Context, actor service.Actor, id string, req dto.PayInstallmentRequest) (*models.InstallmentPlanView, error)
	DeletePlan(ctx context.Context, actor service.Actor, id string) error
	ApprovePlan(ctx context.Context, id string, req dto.ApproveInstallmentPlanRequest) (*models.InstallmentPlanView, error)
	RejectPlan(ctx context.Context, id string, req dto.RejectInstallmentPlanRequest) (*models.InstallmentPlanView, error)
	Summary(ctx context.Context) (*models.PlanSummary, error)
}

// InstallmentHandler exposes installment plan endpoints.
type InstallmentHandler struct {
	service installmentService
}

// NewInstallmentHandler builds a new handler.
func NewInstallmentHandler(service installmentService) *InstallmentHandler {
	return &InstallmentHandler{service: service}
}

// Create godoc
// @Summary Request an installment plan
// @Tags Installments
// @Accept json
// @Produce json
// @Param payload body dto.CreateInstallmentPlanRequest true "Plan payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /installments [post]
func (h *InstallmentHandler) Create(c *gin.Context) {
	var req dto.CreateInstallmentPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "installment plan"))
		return
	}
	plan, err := h.service.CreatePlan(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, plan)
}

// List godoc
// @Summary List installment plans
// @Tags Installments
// @Produce json
// @Param studentId query string false "Student ID (admins only)"
// @Param courseId query string false "Course ID"
// @Success 200 {object} response.Envelope
// @Router /installments [get]
func (h *InstallmentHandler) List(c *gin.Context) {
	plans, err := h.service.ListPlans(c.Request.Context(), actorFromContext(c), dto.InstallmentPlanQuery{
		StudentID: c.Query("studentId"),
		CourseID:  c.Query("courseId"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, plans, nil)
}

// Get godoc
// @Summary Get an installment plan
// @Tags Installments
// @Produce json
// @Param id path string true "Plan ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /installments/{id} [get]
func (h *InstallmentHandler) Get(c *gin.Context) {
	plan, err := h.service.GetPlan(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, plan, nil)
}

// Update godoc
// @Summary Edit an unapproved plan and regenerate its schedule
// @Tags Installments
// @Accept json
// @Produce json
// @Param id path string true "Plan ID"
// @Param payload body dto.UpdateInstallmentPlanRequest true "Plan terms"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /installments/{id} [put]
func (h *InstallmentHandler) Update(c *gin.Context) {
	var req dto.UpdateInstallmentPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "installment plan"))
		return
	}
	plan, err := h.service.UpdatePlan(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, plan, nil)
}

// Pay godoc
// @Summary Mark one installment as paid
// @Tags Installments
// @Accept json
// @Produce json
// @Param id path string true "Plan ID"
// @Param payload body dto.PayInstallmentRequest true "Installment payment"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /installments/{id}/pay [patch]
func (h *InstallmentHandler) Pay(c *gin.Context) {
	var req dto.PayInstallmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "installment payment"))
		return
	}
	plan, err := h.service.PayInstallment(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, plan, nil)
}

// Delete godoc
// @Summary Delete an unapproved plan
// @Tags Installments
// @Param id path string true "Plan ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /installments/{id} [delete]
func (h *InstallmentHandler) Delete(c *gin.Context) {
	if err := h.service.DeletePlan(c.Request.Context(), actorFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Approve godoc
// @Summary Approve an installment plan
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "Plan ID"
// @Param payload body dto.ApproveInstallmentPlanRequest false "Reviewer comment"
// @Success 200 {object} response.Envelope
// @Router /admin/installments/{id}/approve [patch]
func (h *InstallmentHandler) Approve(c *gin.Context) {
	var req dto.ApproveInstallmentPlanRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, bindError(err, "approval"))
		return
	}
	plan, err := h.service.ApprovePlan(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, plan, nil)
}

// Reject godoc
// @Summary Reject an installment plan
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "Plan ID"
// @Param payload body dto.RejectInstallmentPlanRequest true "Rejection reason"
// @Success 200 {object} response.Envelope
// @Router /admin/installments/{id}/reject [patch]
func (h *InstallmentHandler) Reject(c *gin.Context) {
	var req dto.RejectInstallmentPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "rejection"))
		return
	}
	plan, err := h.service.RejectPlan(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, plan, nil)
}

// Summary godoc
// @Summary Aggregate plans by overall status
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/installments/summary [get]
func (h *InstallmentHandler) Summary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
