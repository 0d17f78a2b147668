package domain

import "time"

// TransactionStatus описывает статус платёжной транзакции шлюза.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
	TransactionCancelled TransactionStatus = "cancelled"
)

// PaymentTransaction содержит попытку оплаты или возврата по заказу.
// TransactionID уникален и служит ключом идемпотентности webhook.
type PaymentTransaction struct {
	ID              int64
	OrderID         string
	TransactionID   string
	AmountMinor     int64
	Status          TransactionStatus
	GatewayResponse []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
