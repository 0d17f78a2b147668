package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/service/checkout"
)

// POST /orders
func (h *handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if _, ok := h.bind(c, &req); !ok {
		return
	}

	items := make([]domain.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.CartItem{ProductID: item.ProductID, VariantID: item.VariantID, Qty: item.Quantity})
	}

	result, err := h.orders.CreateOrder(c.Request.Context(), checkout.CreateOrderInput{
		UserID:        principalFrom(c).UserID,
		Items:         items,
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createOrderResponse{
		OrderID:       result.OrderID,
		TotalAmount:   result.TotalMinor,
		PaymentStatus: string(result.Order.PaymentStatus),
	})
}

// getOrder — GET /orders/:id. Чужой заказ для покупателя неотличим от несуществующего.
func (h *handler) getOrder(c *gin.Context) {
	details, err := h.orders.Details(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	principal := principalFrom(c)
	if !principal.IsAdmin() && details.Order.UserID != principal.UserID {
		writeError(c, domain.ErrOrderNotFound)
		return
	}

	resp := toOrderResponse(details.Order)
	for _, change := range details.History {
		resp.History = append(resp.History, statusChangeResponse{
			From:     string(change.From),
			To:       string(change.To),
			ActorID:  change.ActorID,
			Reason:   change.Reason,
			Occurred: change.Occurred,
		})
	}
	for _, txn := range details.Transactions {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			TransactionID: txn.TransactionID,
			Amount:        txn.AmountMinor,
			Status:        string(txn.Status),
			CreatedAt:     txn.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// setOrderStatus обрабатывает POST /orders/:id/status, доступен только администратору.
func (h *handler) setOrderStatus(c *gin.Context) {
	var req orderStatusRequest
	if _, ok := h.bind(c, &req); !ok {
		return
	}

	result, err := h.payments.ApplyAdminStatus(c.Request.Context(), c.Param("id"), domain.PaymentStatus(req.Status), req.Reason, principalFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(result.Order))
}
