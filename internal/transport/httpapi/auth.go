package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// Заголовки, которые выставляет вышестоящий gateway после проверки сессии.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Role задаёт роль вызывающего.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// ErrUnauthenticated: в запросе нет распознанного пользователя.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal описывает аутентифицированного вызывающего.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin сообщает, является ли вызывающий администратором.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Scopes возвращает scope уведомлений, на которые вызывающий может подписаться.
func (p Principal) Scopes() []domain.Scope {
	scopes := []domain.Scope{domain.UserScope(p.UserID)}
	if p.IsAdmin() {
		scopes = append(scopes, domain.ScopeAdmin)
	}
	return scopes
}

// Authenticator определяет вызывающего по запросу.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// HeaderAuthenticator доверяет X-User-ID/X-User-Role. Годится только за gateway, который эти заголовки перезаписывает.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return Principal{}, ErrUnauthenticated
	}
	role := RoleCustomer
	if strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderUserRole)), string(RoleAdmin)) {
		role = RoleAdmin
	}
	return Principal{UserID: userID, Role: role}, nil
}
