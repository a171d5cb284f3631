package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of a ticket date.
const DateLayout = "2006-01-02"

type MessageStatus string

const (
	StatusPending    MessageStatus = "PENDING"
	StatusProcessing MessageStatus = "PROCESSING"
	StatusSuccess    MessageStatus = "SUCCESS"
	StatusFailed     MessageStatus = "FAILED"
	StatusDuplicate  MessageStatus = "DUPLICATE"
)

// Terminal reports whether no further transition is allowed out of s.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusDuplicate:
		return true
	}
	return false
}

type PurchaseIntent struct {
	RequestID         string `json:"request_id"`
	UserID            int64  `json:"user_id"`
	Date              string `json:"date"`
	Signature         string `json:"signature"`
	SubmittedAtMillis int64  `json:"submitted_at_ms"`
}

type TicketInventory struct {
	Date           string    `json:"date"`
	RemainingStock int64     `json:"remaining_stock"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Order struct {
	UserID     int64     `json:"user_id"`
	Date       string    `json:"date"`
	TicketCode string    `json:"ticket_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// PurchaseRecord is the cached read model of an Order.
type PurchaseRecord struct {
	UserID     int64  `json:"user_id"`
	Date       string `json:"date"`
	TicketCode string `json:"ticket_code"`
}

func (o Order) Record() PurchaseRecord {
	return PurchaseRecord{UserID: o.UserID, Date: o.Date, TicketCode: o.TicketCode}
}

type PurchaseRequest struct {
	RequestID string        `json:"request_id"`
	UserID    int64         `json:"user_id"`
	Date      string        `json:"date"`
	Status    MessageStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ParseDate validates s as a YYYY-MM-DD ticket date and returns it normalized.
func ParseDate(s string) (string, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid date %q: want %s", s, DateLayout)
	}
	return t.Format(DateLayout), nil
}

// TicketCode builds a code of the form T20240115ABC123 from a date and a
// six character suffix.
func TicketCode(date, suffix string) string {
	return "T" + strings.ReplaceAll(date, "-", "") + strings.ToUpper(suffix)
}
