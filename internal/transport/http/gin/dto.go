package httpgin

import (
	"time"

	"github.com/kirinyoku/tix-rush/internal/domain"
)

type PurchaseRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	Date   string `json:"date" binding:"required"`
}

type PurchaseAcceptedResponse struct {
	RequestID string               `json:"request_id"`
	UserID    int64                `json:"user_id"`
	Date      string               `json:"date"`
	Status    domain.MessageStatus `json:"status"`
}

type PurchaseStatusResponse struct {
	RequestID string               `json:"request_id"`
	UserID    int64                `json:"user_id"`
	Date      string               `json:"date"`
	Status    domain.MessageStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type PurchaseRecordsResponse struct {
	UserID   int64                   `json:"user_id"`
	Records  []domain.PurchaseRecord `json:"records"`
	Degraded bool                    `json:"degraded"`
}

type SetStockRequest struct {
	Stock *int64 `json:"stock" binding:"required"`
}

type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
