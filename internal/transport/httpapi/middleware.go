package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
	"github.com/vladislavdragonenkov/campusstore/internal/service/idempotency"
)

const (
	HeaderRequestID          = "X-Request-ID"
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotencyReplay  = "Idempotency-Replayed"
	maxIdempotencyKeyLength  = 255
	ctxRequestIDKey          = "request_id"
	ctxLoggerKey             = "logger"
	ctxPrincipalKey          = "principal"
	idempotencyCompleteLimit = 5 * time.Second
)

// requestID берёт X-Request-ID клиента или генерирует новый.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(ctxRequestIDKey, rid)
		c.Writer.Header().Set(HeaderRequestID, rid)
		c.Next()
	}
}

// accessLog пишет строку лога на запрос; уровень зависит от статуса ответа.
func accessLog(logger *log.Entry, m *metrics.StoreMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ctxLoggerKey, logger)

		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path = path + "?" + q
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), status, latency)

		entry := logger.WithFields(log.Fields{
			"request_id": c.GetString(ctxRequestIDKey),
			"method":     c.Request.Method,
			"path":       path,
			"status":     status,
			"latency":    latency,
			"bytes":      c.Writer.Size(),
			"client_ip":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("http_request")
		case status >= http.StatusBadRequest:
			entry.Warn("http_request")
		default:
			entry.Info("http_request")
		}
	}
}

// authenticate кладёт Principal в контекст или отвечает 401.
func authenticate(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := auth.Authenticate(c.Request)
		if err != nil {
			abortWithCode(c, codeUnauthorized, "authentication required")
			return
		}
		c.Set(ctxPrincipalKey, principal)
		c.Next()
	}
}

// requireAdmin пропускает только администраторов.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !principalFrom(c).IsAdmin() {
			abortWithCode(c, codeForbidden, "admin role required")
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) Principal {
	if v, ok := c.Get(ctxPrincipalKey); ok {
		if p, ok := v.(Principal); ok {
			return p
		}
	}
	return Principal{}
}

// bodyRecorder дублирует тело ответа для сохранения под ключом идемпотентности.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *bodyRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// idempotencyKey повторяет сохранённый ответ для уже обработанного Idempotency-Key.
// Без заголовка запрос обрабатывается как обычно.
func idempotencyKey(guard *idempotency.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" || guard == nil {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeError(c, &validationError{message: "idempotency key is too long"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, &validationError{message: "failed to read request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		decision, err := guard.Begin(ctx, key, idempotency.RequestHash(principalFrom(c).UserID, body))
		if err != nil {
			writeError(c, err)
			return
		}
		if decision.Replay {
			c.Header(HeaderIdempotencyReplay, "true")
			c.Data(decision.Record.HTTPStatus, "application/json; charset=utf-8", decision.Record.ResponseBody)
			c.Abort()
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		// Ответ сохраняется, даже если клиент уже отключился.
		completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencyCompleteLimit)
		defer cancel()
		if err := guard.Complete(completeCtx, key, recorder.Status(), recorder.body.Bytes()); err != nil {
			requestLogger(c).WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
		}
	}
}
