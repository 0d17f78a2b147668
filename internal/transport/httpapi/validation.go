package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// validationError означает, что тело запроса не прошло разбор или проверку DTO.
type validationError struct {
	message string
	fields  map[string]string
}

func (e *validationError) Error() string {
	return e.message
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// В ответе поля называются так же, как в JSON.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// decodeAndValidate разбирает JSON и проверяет теги validate.
func decodeAndValidate(v *validator.Validate, body []byte, out any) error {
	if len(body) == 0 {
		return &validationError{message: "request body is required"}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &validationError{message: fmt.Sprintf("invalid request body: %v", err)}
	}
	if err := v.Struct(out); err != nil {
		return &validationError{message: "request validation failed", fields: fieldErrors(err)}
	}
	return nil
}

// bind читает тело, разбирает его в out и при ошибке сразу отвечает 400.
// Возвращает исходные байты тела.
func (h *handler) bind(c *gin.Context, out any) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, &validationError{message: "failed to read request body"})
		return nil, false
	}
	if err := decodeAndValidate(h.validate, body, out); err != nil {
		writeError(c, err)
		return nil, false
	}
	return body, true
}

func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		out["error"] = err.Error()
		return out
	}
	for _, fe := range ve {
		// items[0].quantity вместо createOrderRequest.items[0].quantity
		ns := fe.Namespace()
		if idx := strings.Index(ns, "."); idx >= 0 {
			ns = ns[idx+1:]
		}
		if fe.Param() != "" {
			out[ns] = fe.Tag() + "=" + fe.Param()
		} else {
			out[ns] = fe.Tag()
		}
	}
	return out
}
