package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// Коды ошибок транспорта, которых нет в домене.
const (
	codeUnauthorized     = "unauthorized"
	codeForbidden        = "forbidden"
	codeInvalidSignature = "invalid_signature"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

// statusForCode сопоставляет код ошибки HTTP-статусу.
func statusForCode(code string) int {
	switch code {
	case domain.CodeEmptyCart, domain.CodeInvalidItem, domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeOrderNotFound, domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInsufficientStock,
		domain.CodeNegativeStock,
		domain.CodeInvalidTransition,
		domain.CodeAmountMismatch,
		domain.CodeDuplicateTransaction,
		domain.CodeTransactionConflict,
		domain.CodeIdempotencyConflict:
		return http.StatusConflict
	case codeUnauthorized, codeInvalidSignature:
		return http.StatusUnauthorized
	case codeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// errorBody строит тело и статус ответа для ошибки. Текст внутренних ошибок наружу не отдаётся.
func errorBody(err error) (int, errorResponse) {
	var verr *validationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, errorResponse{Error: verr.message, Code: domain.CodeValidation, Fields: verr.fields}
	}
	if errors.Is(err, ErrUnauthenticated) {
		return http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: codeUnauthorized}
	}

	code := domain.ErrorCode(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		return status, errorResponse{Error: "internal error", Code: domain.CodeInternal}
	}
	return status, errorResponse{Error: err.Error(), Code: code}
}

// writeError пишет ошибку и прерывает цепочку обработчиков.
func writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		requestLogger(c).WithError(err).Error("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func abortWithCode(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(statusForCode(code), errorResponse{Error: message, Code: code})
}

func requestLogger(c *gin.Context) *log.Entry {
	entry := log.WithField("component", "http")
	if v, ok := c.Get(ctxLoggerKey); ok {
		if l, ok := v.(*log.Entry); ok {
			entry = l
		}
	}
	return entry.WithField("request_id", c.GetString(ctxRequestIDKey))
}
