package domain

import "time"

// StatusChange описывает запись истории статусов оплаты заказа.
type StatusChange struct {
	OrderID string
	// From пустой для создания заказа.
	From     PaymentStatus
	To       PaymentStatus
	ActorID  string
	Reason   string
	Occurred time.Time
}
