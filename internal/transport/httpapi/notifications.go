package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// notificationScope выбирает ленту: ?scope=admin доступна только администратору.
func notificationScope(c *gin.Context) (domain.Scope, bool) {
	principal := principalFrom(c)
	if c.Query("scope") == string(domain.ScopeAdmin) {
		if !principal.IsAdmin() {
			abortWithCode(c, codeForbidden, "admin role required")
			return "", false
		}
		return domain.ScopeAdmin, true
	}
	return domain.UserScope(principal.UserID), true
}

// GET /notifications?scope=&limit=
func (h *handler) listNotifications(c *gin.Context) {
	scope, ok := notificationScope(c)
	if !ok {
		return
	}
	limit := defaultNotificationLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxNotificationLimit {
			writeError(c, &validationError{message: "invalid limit", fields: map[string]string{"limit": "min=1,max=200"}})
			return
		}
		limit = n
	}

	list, err := h.notifications.List(c.Request.Context(), scope, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, notificationResponse{
			ID:        n.ID,
			Type:      string(n.Type),
			Payload:   n.Payload,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

// POST /notifications/:id/read
func (h *handler) markNotificationRead(c *gin.Context) {
	scope, ok := notificationScope(c)
	if !ok {
		return
	}
	if err := h.notifications.MarkRead(c.Request.Context(), scope, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
