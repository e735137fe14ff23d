package api

import (
	"time"

	"github.com/thrillee/smsrouter/internal/model"
	"github.com/thrillee/smsrouter/internal/router"
)

type receiveRequest struct {
	Backend string `form:"backend" binding:"required,max=32"`
	Sender  string `form:"sender"  binding:"required,max=20"`
	Message string `form:"message" binding:"required,max=160"`
}

type sendRequest struct {
	Messages []router.OutgoingRequest `json:"messages" binding:"required,min=1,dive"`
}

type deliveryErrorResponse struct {
	Date time.Time `json:"date"`
	Log  string    `json:"log"`
}

type messageDetailResponse struct {
	Message      model.MessageJSON       `json:"message"`
	ExternalID   string                  `json:"external_id,omitempty"`
	InResponseTo *int64                  `json:"in_response_to,omitempty"`
	SentAt       *time.Time              `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time              `json:"delivered_at,omitempty"`
	Errors       []deliveryErrorResponse `json:"errors"`
	Responses    []model.MessageJSON     `json:"responses"`
}

type paginationResponse struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type paginatedListResponse struct {
	Data       []model.MessageJSON `json:"data"`
	Pagination paginationResponse  `json:"pagination"`
}

func messagesJSON(msgs []*model.Message) []model.MessageJSON {
	out := make([]model.MessageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = m.JSON()
	}
	return out
}
