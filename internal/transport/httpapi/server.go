// Package httpapi — REST и SSE интерфейс магазина поверх gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
	"github.com/vladislavdragonenkov/campusstore/internal/service/checkout"
	"github.com/vladislavdragonenkov/campusstore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/campusstore/internal/service/inventory"
	"github.com/vladislavdragonenkov/campusstore/internal/service/notify"
	"github.com/vladislavdragonenkov/campusstore/internal/service/payment"
)

const defaultKeepAlive = 15 * time.Second

// OrderService оформляет и читает заказы.
type OrderService interface {
	CreateOrder(ctx context.Context, in checkout.CreateOrderInput) (checkout.CreateOrderResult, error)
	Details(ctx context.Context, orderID string) (checkout.OrderDetails, error)
}

// PaymentService переводит статус оплаты.
type PaymentService interface {
	MarkPaid(ctx context.Context, in payment.MarkPaidInput) (payment.Result, error)
	MarkFailed(ctx context.Context, in payment.MarkFailedInput) (payment.Result, error)
	ApplyAdminStatus(ctx context.Context, orderID string, target domain.PaymentStatus, reason, actorID string) (payment.Result, error)
}

// InventoryService выполняет админские операции склада.
type InventoryService interface {
	Restock(ctx context.Context, in inventory.RestockInput) (domain.StockMovement, error)
	Adjust(ctx context.Context, in inventory.AdjustInput) (domain.StockMovement, error)
	Movements(ctx context.Context, key domain.StockKey) ([]domain.StockMovement, error)
}

// EventHub подписывает SSE-сессии.
type EventHub interface {
	Subscribe(scopes ...domain.Scope) (*notify.Session, func())
}

// Deps содержит зависимости HTTP API.
type Deps struct {
	Orders        OrderService
	Payments      PaymentService
	Inventory     InventoryService
	Events        EventHub
	Notifications domain.NotificationRepository
	Idempotency   *idempotency.Guard
	Auth          Authenticator
	// WebhookSecret включает проверку подписи X-Webhook-Signature.
	WebhookSecret string
	// Период ping-событий SSE.
	KeepAlive time.Duration
	// Done закрывается при остановке сервера и завершает открытые SSE-потоки.
	Done    <-chan struct{}
	Metrics *metrics.StoreMetrics
	Logger  *log.Entry
}

type handler struct {
	orders        OrderService
	payments      PaymentService
	inventory     InventoryService
	events        EventHub
	notifications domain.NotificationRepository
	webhookSecret []byte
	keepAlive     time.Duration
	done          <-chan struct{}
	validate      *validator.Validate
}

// NewRouter собирает gin.Engine со всеми маршрутами API.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	auth := deps.Auth
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	keepAlive := deps.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	h := &handler{
		orders:        deps.Orders,
		payments:      deps.Payments,
		inventory:     deps.Inventory,
		events:        deps.Events,
		notifications: deps.Notifications,
		webhookSecret: []byte(deps.WebhookSecret),
		keepAlive:     keepAlive,
		done:          deps.Done,
		validate:      newValidator(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(logger, deps.Metrics))
	r.NoRoute(func(c *gin.Context) {
		abortWithCode(c, domain.CodeNotFound, "route not found")
	})
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Code: domain.CodeValidation})
	})

	// Шлюз аутентифицируется подписью, а не заголовками пользователя.
	r.POST("/payments/webhook", h.paymentWebhook)

	api := r.Group("/", authenticate(auth))
	api.POST("/orders", idempotencyKey(deps.Idempotency), h.createOrder)
	api.GET("/orders/:id", h.getOrder)
	api.GET("/events", h.streamEvents)
	api.GET("/notifications", h.listNotifications)
	api.POST("/notifications/:id/read", h.markNotificationRead)

	admin := api.Group("/", requireAdmin())
	admin.POST("/orders/:id/status", h.setOrderStatus)
	admin.POST("/inventory/:productId/restock", h.restock)
	admin.POST("/inventory/:productId/adjust", h.adjust)
	admin.GET("/inventory/:productId/movements", h.movements)

	return r
}
