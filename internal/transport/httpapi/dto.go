package httpapi

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// Положительность количества и наличие позиций проверяет checkout: у него свои коды ошибок.
// Здесь только верхняя граница одной строки корзины.
type cartItemRequest struct {
	ProductID int64 `json:"product_id"`
	VariantID int64 `json:"variant_id" validate:"gte=0"`
	Quantity  int32 `json:"quantity" validate:"lte=10000"`
}

type createOrderRequest struct {
	Items         []cartItemRequest `json:"items" validate:"max=100,dive"`
	PaymentMethod string            `json:"payment_method" validate:"required,oneof=cash card online"`
}

type createOrderResponse struct {
	OrderID       string `json:"order_id"`
	TotalAmount   int64  `json:"total_amount"`
	PaymentStatus string `json:"payment_status"`
}

type webhookRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,max=255"`
	OrderID       string `json:"order_id" validate:"required,max=64"`
	Amount        int64  `json:"amount" validate:"gte=0"`
	Status        string `json:"status" validate:"required"`
	Reason        string `json:"reason" validate:"max=500"`
}

type webhookResponse struct {
	OrderID       string `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	Duplicate     bool   `json:"duplicate"`
}

type orderStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending paid failed cancelled refunded"`
	Reason string `json:"reason" validate:"max=500"`
}

type restockRequest struct {
	VariantID int64  `json:"variant_id" validate:"gte=0"`
	Quantity  int32  `json:"quantity" validate:"required,gt=0,lte=1000000"`
	Reason    string `json:"reason" validate:"max=255"`
}

type adjustRequest struct {
	VariantID int64  `json:"variant_id" validate:"gte=0"`
	Delta     int32  `json:"delta" validate:"required"`
	Reason    string `json:"reason" validate:"required,max=255"`
}

type movementResultResponse struct {
	MovementID int64 `json:"movement_id"`
	NewStock   int32 `json:"new_stock"`
}

type orderItemResponse struct {
	ID        int64 `json:"id"`
	ProductID int64 `json:"product_id"`
	VariantID int64 `json:"variant_id,omitempty"`
	Quantity  int32 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
	Subtotal  int64 `json:"subtotal"`
}

type statusChangeResponse struct {
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	ActorID  string    `json:"actor_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}

type transactionResponse struct {
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type orderResponse struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"user_id"`
	TotalAmount     int64                  `json:"total_amount"`
	PaymentMethod   string                 `json:"payment_method"`
	PaymentStatus   string                 `json:"payment_status"`
	PaymentIntentID string                 `json:"payment_intent_id,omitempty"`
	Items           []orderItemResponse    `json:"items"`
	History         []statusChangeResponse `json:"history,omitempty"`
	Transactions    []transactionResponse  `json:"transactions,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

type movementResponse struct {
	ID            int64     `json:"id"`
	ProductID     int64     `json:"product_id"`
	VariantID     int64     `json:"variant_id,omitempty"`
	Type          string    `json:"type"`
	Quantity      int32     `json:"quantity"`
	Delta         int32     `json:"delta"`
	PreviousStock int32     `json:"previous_stock"`
	NewStock      int32     `json:"new_stock"`
	Reason        string    `json:"reason,omitempty"`
	ActorID       string    `json:"actor_id,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type notificationResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

func toOrderResponse(order domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{
			ID:        item.ID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Qty,
			UnitPrice: item.UnitPriceMinor,
			Subtotal:  item.Subtotal(),
		})
	}
	return orderResponse{
		ID:              order.ID,
		UserID:          order.UserID,
		TotalAmount:     order.TotalMinor,
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentIntentID: order.PaymentIntentID,
		Items:           items,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

func toMovementResponse(m domain.StockMovement) movementResponse {
	return movementResponse{
		ID:            m.ID,
		ProductID:     m.ProductID,
		VariantID:     m.VariantID,
		Type:          string(m.Type),
		Quantity:      m.Quantity,
		Delta:         m.Delta,
		PreviousStock: m.PreviousStock,
		NewStock:      m.NewStock,
		Reason:        m.Reason,
		ActorID:       m.ActorID,
		OrderID:       m.OrderID,
		CreatedAt:     m.CreatedAt,
	}
}
