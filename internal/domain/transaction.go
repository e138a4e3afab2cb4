package domain

import (
	"fmt"
	"time"
)

// Channel identifies how a card transaction was made.
type Channel string

const (
	ChannelCardPresent Channel = "card_present"
	ChannelOnline      Channel = "online"
	ChannelATM         Channel = "atm"
)

// Transaction represents an incoming card transaction to be evaluated.
// It is immutable: the engine never modifies a transaction after ingestion.
type Transaction struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`

	// Amount is in minor currency units (cents).
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`

	MerchantID       string `json:"merchantId"`
	MerchantCategory string `json:"merchantCategory"`

	// Coarse geographic location. Coordinates are optional and, when
	// present, enable distance-based travel checks.
	Country   string   `json:"country"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Channel   Channel   `json:"channel"`
}

// Validate checks the fields an evaluation depends on. A transaction that
// fails validation is rejected before any account state is touched.
func (t *Transaction) Validate() error {
	switch {
	case t.ID == "":
		return &MalformedTransactionError{Field: "id", Reason: "is required"}
	case t.AccountID == "":
		return &MalformedTransactionError{Field: "accountId", Reason: "is required"}
	case t.Amount <= 0:
		return &MalformedTransactionError{Field: "amount", Reason: "must be positive"}
	case len(t.Currency) != 3:
		return &MalformedTransactionError{Field: "currency", Reason: "must be a 3-letter code"}
	case t.Country == "":
		return &MalformedTransactionError{Field: "country", Reason: "is required"}
	case t.Timestamp.IsZero():
		return &MalformedTransactionError{Field: "timestamp", Reason: "is required"}
	}

	switch t.Channel {
	case ChannelCardPresent, ChannelOnline, ChannelATM:
	default:
		return &MalformedTransactionError{
			Field:  "channel",
			Reason: fmt.Sprintf("unknown channel %q", t.Channel),
		}
	}

	if (t.Latitude == nil) != (t.Longitude == nil) {
		return &MalformedTransactionError{Field: "latitude", Reason: "latitude and longitude must be set together"}
	}
	if t.Latitude != nil && (*t.Latitude < -90 || *t.Latitude > 90) {
		return &MalformedTransactionError{Field: "latitude", Reason: "out of range"}
	}
	if t.Longitude != nil && (*t.Longitude < -180 || *t.Longitude > 180) {
		return &MalformedTransactionError{Field: "longitude", Reason: "out of range"}
	}

	return nil
}

// TransactionRequest is the API request payload for transaction evaluation.
type TransactionRequest struct {
	ID               string   `json:"id,omitempty"`
	AccountID        string   `json:"accountId"`
	Amount           int64    `json:"amount"`
	Currency         string   `json:"currency"`
	MerchantID       string   `json:"merchantId"`
	MerchantCategory string   `json:"merchantCategory"`
	Country          string   `json:"country"`
	City             string   `json:"city,omitempty"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	Timestamp        string   `json:"timestamp,omitempty"` // RFC 3339; defaults to now
	Channel          string   `json:"channel"`
}

// ToTransaction converts a request to a Transaction domain object.
// The returned transaction still needs Validate before evaluation.
func (r *TransactionRequest) ToTransaction() (*Transaction, error) {
	ts := time.Now().UTC()
	if r.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			return nil, &MalformedTransactionError{Field: "timestamp", Reason: "must be RFC 3339"}
		}
		ts = parsed.UTC()
	}

	return &Transaction{
		ID:               r.ID,
		AccountID:        r.AccountID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		MerchantID:       r.MerchantID,
		MerchantCategory: r.MerchantCategory,
		Country:          r.Country,
		City:             r.City,
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
		Timestamp:        ts,
		Channel:          Channel(r.Channel),
	}, nil
}
