package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/drivingschool-api/internal/dto"
	"github.com/noah-isme/drivingschool-api/internal/service"
	"github.com/noah-isme/drivingschool-api/pkg/response"
)

type receiptService interface {
	ForPayment(ctx context.Context, actor service.Actor, paymentID string) (*dto.ReceiptDownload, error)
	Download(ctx context.Context, token string) (*dto.ReceiptDownload, error)
}

// ReceiptHandler streams receipt PDFs.
type ReceiptHandler struct {
	service receiptService
}

// NewReceiptHandler builds a new handler.
func NewReceiptHandler(service receiptService) *ReceiptHandler {
	return &ReceiptHandler{service: service}
}

// Get godoc
// @Summary Download the receipt of an approved payment
// @Tags Receipts
// @Produce application/pdf
// @Param paymentId path string true "Payment ID"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /receipts/{paymentId} [get]
func (h *ReceiptHandler) Get(c *gin.Context) {
	download, err := h.service.ForPayment(c.Request.Context(), actorFromContext(c), c.Param("paymentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, download.Filename, "application/pdf", download.Content)
}

// Download godoc
// @Summary Download a receipt through a signed link
// @Tags Receipts
// @Produce application/pdf
// @Param token query string true "Signed token"
// @Success 200 {file} file
// @Failure 401 {object} response.Envelope
// @Router /receipts/download [get]
func (h *ReceiptHandler) Download(c *gin.Context) {
	download, err := h.service.Download(c.Request.Context(), c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, download.Filename, "application/pdf", download.Content)
}
