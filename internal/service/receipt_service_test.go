package service

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/drivingschool-api/internal/models"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
	"github.com/noah-isme/drivingschool-api/pkg/storage"
)

func newReceiptServiceForTest(t *testing.T, store *paymentStoreStub) (*ReceiptService, *storage.LocalStorage) {
	t.Helper()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("receipt-secret", time.Hour)
	svc := NewReceiptService(store, testDirectory, nil, files, signer, ReceiptConfig{
		SchoolName:  "Lanka Driving",
		TaxRate:     dec("0.18"),
		DownloadURL: "https://api.school.test/api/v1/receipts/download",
	}, zap.NewNop())
	return svc, files
}

func approvedPayment(id string) *models.Payment {
	paidAt := tuitionNow
	txn := "TXN-abc"
	return &models.Payment{
		ID: id, StudentName: "stu-1", CourseName: models.CourseLightVehicle, Amount: dec("11800"),
		PaymentType: models.PaymentTypeFull, PaymentMethod: models.PaymentMethodCard, Status: models.PaymentStatusApproved,
		TransactionID: &txn, PaidDate: &paidAt,
	}
}

func TestReceiptServiceIssueAndDownload(t *testing.T) {
	store := newPaymentStoreStub()
	payment := approvedPayment("pay-1")
	store.put(payment)
	svc, _ := newReceiptServiceForTest(t, store)

	link, err := svc.Issue(context.Background(), payment)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "https://api.school.test/api/v1/receipts/download?token="))

	parsed, err := url.Parse(link)
	require.NoError(t, err)
	download, err := svc.Download(context.Background(), parsed.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "receipt-pay-1.pdf", download.Filename)
	assert.True(t, bytes.HasPrefix(download.Content, []byte("%PDF")))

	_, err = svc.Download(context.Background(), "pay-1.0.x.y")
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
	_, err = svc.Download(context.Background(), "")
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestReceiptServiceForPayment(t *testing.T) {
	store := newPaymentStoreStub()
	store.put(approvedPayment("pay-1"))
	pending := approvedPayment("pay-2")
	pending.Status = models.PaymentStatusPending
	store.put(pending)
	svc, files := newReceiptServiceForTest(t, store)

	download, err := svc.ForPayment(context.Background(), studentActor, "pay-1")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(download.Content, []byte("%PDF")))

	require.NoError(t, files.Delete(receiptPath("pay-1")))
	download, err = svc.ForPayment(context.Background(), adminActor, "pay-1")
	require.NoError(t, err)
	assert.NotEmpty(t, download.Content)

	_, err = svc.ForPayment(context.Background(), studentActor, "pay-2")
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.ForPayment(context.Background(), Actor{UserID: "stu-2", Role: models.RoleStudent}, "pay-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = svc.ForPayment(context.Background(), adminActor, "missing")
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestReceiptNumber(t *testing.T) {
	assert.Equal(t, "RCPT-0F8FAD5BD9CB", receiptNumber("0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.Equal(t, "RCPT-P1", receiptNumber("p1"))
}

func TestSimulatedGateway(t *testing.T) {
	gateway := NewSimulatedGateway()
	card := cardRequest("4111111111111112").CardDetails

	txn, err := gateway.Charge(context.Background(), *card, dec("10"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(txn, "TXN-"))

	card.Number = "4111111111111113"
	_, err = gateway.Charge(context.Background(), *card, dec("10"))
	assert.True(t, appErrors.Is(err, appErrors.ErrGatewayDeclined))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	card.Number = "4111111111111110"
	_, err = gateway.Charge(ctx, *card, dec("10"))
	assert.ErrorIs(t, err, context.Canceled)
}
