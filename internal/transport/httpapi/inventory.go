package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/service/inventory"
)

func parsePositiveID(raw, field string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &validationError{message: "invalid " + field, fields: map[string]string{field: "gt=0"}}
	}
	return id, nil
}

// POST /inventory/:productId/restock
func (h *handler) restock(c *gin.Context) {
	productID, err := parsePositiveID(c.Param("productId"), "product_id")
	if err != nil {
		writeError(c, err)
		return
	}
	var req restockRequest
	if _, ok := h.bind(c, &req); !ok {
		return
	}

	movement, err := h.inventory.Restock(c.Request.Context(), inventory.RestockInput{
		Key:      domain.StockKey{ProductID: productID, VariantID: req.VariantID},
		Quantity: req.Quantity,
		Reason:   req.Reason,
		ActorID:  principalFrom(c).UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movementResultResponse{MovementID: movement.ID, NewStock: movement.NewStock})
}

// adjust обрабатывает POST /inventory/:productId/adjust, корректировку со знаком.
func (h *handler) adjust(c *gin.Context) {
	productID, err := parsePositiveID(c.Param("productId"), "product_id")
	if err != nil {
		writeError(c, err)
		return
	}
	var req adjustRequest
	if _, ok := h.bind(c, &req); !ok {
		return
	}

	movement, err := h.inventory.Adjust(c.Request.Context(), inventory.AdjustInput{
		Key:     domain.StockKey{ProductID: productID, VariantID: req.VariantID},
		Delta:   req.Delta,
		Reason:  req.Reason,
		ActorID: principalFrom(c).UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movementResultResponse{MovementID: movement.ID, NewStock: movement.NewStock})
}

// GET /inventory/:productId/movements?variant_id=
func (h *handler) movements(c *gin.Context) {
	productID, err := parsePositiveID(c.Param("productId"), "product_id")
	if err != nil {
		writeError(c, err)
		return
	}
	key := domain.StockKey{ProductID: productID}
	if raw := c.Query("variant_id"); raw != "" {
		if key.VariantID, err = parsePositiveID(raw, "variant_id"); err != nil {
			writeError(c, err)
			return
		}
	}

	list, err := h.inventory.Movements(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]movementResponse, 0, len(list))
	for _, m := range list {
		out = append(out, toMovementResponse(m))
	}
	c.JSON(http.StatusOK, gin.H{"movements": out})
}
