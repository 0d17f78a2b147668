package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/campusstore/internal/service/payment"
)

// HeaderWebhookSignature — hex(HMAC-SHA256(secret, body)), допускается префикс "sha256=".
const HeaderWebhookSignature = "X-Webhook-Signature"

// Актор переходов, пришедших от платёжного шлюза.
const gatewayActor = "payment-gateway"

type webhookOutcome int

const (
	outcomeUnknown webhookOutcome = iota
	outcomePaid
	outcomeFailed
)

func classifyWebhookStatus(status string) webhookOutcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "succeeded", "completed":
		return outcomePaid
	case "failed", "declined":
		return outcomeFailed
	default:
		return outcomeUnknown
	}
}

// SignWebhook считает подпись тела webhook; используется шлюзом-эмулятором и тестами.
func SignWebhook(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyWebhookSignature(secret, body []byte, header string) bool {
	got := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	sig, err := hex.DecodeString(got)
	if err != nil || len(sig) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// paymentWebhook — POST /payments/webhook. 5xx заставляет шлюз повторить доставку;
// повтор уже учтённой транзакции отвечает 200 с duplicate=true.
func (h *handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, &validationError{message: "failed to read request body"})
		return
	}
	if len(h.webhookSecret) > 0 && !verifyWebhookSignature(h.webhookSecret, body, c.GetHeader(HeaderWebhookSignature)) {
		abortWithCode(c, codeInvalidSignature, "invalid webhook signature")
		return
	}

	var req webhookRequest
	if err := decodeAndValidate(h.validate, body, &req); err != nil {
		writeError(c, err)
		return
	}

	var result payment.Result
	switch classifyWebhookStatus(req.Status) {
	case outcomePaid:
		result, err = h.payments.MarkPaid(c.Request.Context(), payment.MarkPaidInput{
			OrderID:         req.OrderID,
			TransactionID:   req.TransactionID,
			AmountMinor:     req.Amount,
			GatewayResponse: body,
			ActorID:         gatewayActor,
		})
	case outcomeFailed:
		reason := req.Reason
		if reason == "" {
			reason = "gateway reported " + strings.ToLower(req.Status)
		}
		result, err = h.payments.MarkFailed(c.Request.Context(), payment.MarkFailedInput{
			OrderID:         req.OrderID,
			TransactionID:   req.TransactionID,
			AmountMinor:     req.Amount,
			Reason:          reason,
			GatewayResponse: body,
			ActorID:         gatewayActor,
		})
	default:
		writeError(c, &validationError{
			message: "unsupported webhook status",
			fields:  map[string]string{"status": "oneof=paid succeeded completed failed declined"},
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, webhookResponse{
		OrderID:       result.Order.ID,
		PaymentStatus: string(result.Order.PaymentStatus),
		Duplicate:     result.Duplicate,
	})
}
