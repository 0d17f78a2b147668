package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// streamEvents обрабатывает GET /events. Держит SSE-соединение, пока клиент не отключится.
// Событие несёт только идентификаторы; клиент перечитывает состояние через GET /orders/:id.
func (h *handler) streamEvents(c *gin.Context) {
	session, unsubscribe := h.events.Subscribe(principalFrom(c).Scopes()...)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("ready", gin.H{"session_id": session.ID})
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case env, ok := <-session.Events():
			if !ok {
				return
			}
			c.SSEvent(env.Event, env)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}
