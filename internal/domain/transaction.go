package domain

import (
	"strings"
	"time"
)

// TransactionType classifies how the money moved.
type TransactionType string

const (
	TypePurchase   TransactionType = "purchase"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeTransfer   TransactionType = "transfer"
	TypeRefund     TransactionType = "refund"
)

// Channel identifies where the transaction originated.
type Channel string

const (
	ChannelOnline Channel = "online"
	ChannelMobile Channel = "mobile"
	ChannelATM    Channel = "atm"
	ChannelPOS    Channel = "pos"
)

// Transaction is an incoming transaction to be scored.
// Immutable once received; ID doubles as the idempotency key.
type Transaction struct {
	// Core identifiers
	ID         string `json:"transaction_id"`
	UserID     string `json:"user_id"`
	MerchantID string `json:"merchant_id"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	Type    TransactionType `json:"transaction_type"`
	Channel Channel         `json:"channel"`

	// Optional context
	IPAddress string `json:"ip_address,omitempty"`
	Country   string `json:"country,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the transaction's required fields and value domains.
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &ValidationError{Field: "transaction_id", Reason: "required"}
	}
	if strings.TrimSpace(t.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if strings.TrimSpace(t.MerchantID) == "" {
		return &ValidationError{Field: "merchant_id", Reason: "required"}
	}
	if t.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	switch t.Type {
	case TypePurchase, TypeWithdrawal, TypeTransfer, TypeRefund:
	default:
		return &ValidationError{Field: "transaction_type", Reason: "must be one of purchase, withdrawal, transfer, refund"}
	}
	switch t.Channel {
	case ChannelOnline, ChannelMobile, ChannelATM, ChannelPOS:
	default:
		return &ValidationError{Field: "channel", Reason: "must be one of online, mobile, atm, pos"}
	}
	if t.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	return nil
}

// TransactionRequest is the API request payload for scoring.
type TransactionRequest struct {
	TransactionID string  `json:"transaction_id"`
	UserID        string  `json:"user_id"`
	MerchantID    string  `json:"merchant_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Type          string  `json:"transaction_type"`
	Channel       string  `json:"channel"`

	IPAddress string `json:"ip_address,omitempty"`
	Country   string `json:"country,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`

	// Optional caller-supplied event time; defaults to receipt time.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Validate checks required fields and value domains.
func (r *TransactionRequest) Validate() error {
	if strings.TrimSpace(r.TransactionID) == "" {
		return &ValidationError{Field: "transaction_id", Reason: "required"}
	}
	if strings.TrimSpace(r.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if strings.TrimSpace(r.MerchantID) == "" {
		return &ValidationError{Field: "merchant_id", Reason: "required"}
	}
	if r.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if len(r.Currency) != 3 {
		return &ValidationError{Field: "currency", Reason: "must be a 3-letter ISO code"}
	}
	switch TransactionType(r.Type) {
	case TypePurchase, TypeWithdrawal, TypeTransfer, TypeRefund:
	default:
		return &ValidationError{Field: "transaction_type", Reason: "must be one of purchase, withdrawal, transfer, refund"}
	}
	switch Channel(r.Channel) {
	case ChannelOnline, ChannelMobile, ChannelATM, ChannelPOS:
	default:
		return &ValidationError{Field: "channel", Reason: "must be one of online, mobile, atm, pos"}
	}
	return nil
}

// ToTransaction converts a validated request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction() *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ID:         r.TransactionID,
		UserID:     r.UserID,
		MerchantID: r.MerchantID,
		Amount:     r.Amount,
		Currency:   strings.ToUpper(r.Currency),
		Type:       TransactionType(r.Type),
		Channel:    Channel(r.Channel),
		IPAddress:  r.IPAddress,
		Country:    r.Country,
		DeviceID:   r.DeviceID,
		Timestamp:  ts,
		CreatedAt:  now,
	}
}
