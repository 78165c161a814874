package models

import "time"

// ==================== Internal API DTOs ====================

// PlaceOrderRequest is sent by the bot front end when a user picks a plan
type PlaceOrderRequest struct {
	UserRef string `json:"user_ref" binding:"required"`
	PlanID  int64  `json:"plan_id" binding:"required"`
}

// ReceiptRequest carries the receipt reference for submit and resubmit
type ReceiptRequest struct {
	ReceiptRef string `json:"receipt_ref" binding:"required"`
}

// RejectOrderRequest carries the reviewer's reason
type RejectOrderRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ApproveOrderResponse is returned after a successful approval
type ApproveOrderResponse struct {
	OrderID       int64  `json:"order_id"`
	Status        string `json:"status"`
	ConnectionURI string `json:"connection_uri"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// OrderResponse is the API view of an order
type OrderResponse struct {
	ID              int64   `json:"id"`
	UserRef         string  `json:"user_ref"`
	PlanID          int64   `json:"plan_id"`
	ServerID        int64   `json:"server_id"`
	Status          string  `json:"status"`
	ClientID        *string `json:"client_id,omitempty"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	ConnectionURI   *string `json:"connection_uri,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedAt       string  `json:"created_at"`
	ApprovedAt      *string `json:"approved_at,omitempty"`
	RejectedAt      *string `json:"rejected_at,omitempty"`
	ExpiredAt       *string `json:"expired_at,omitempty"`
}

// OrderLogResponse is the API view of an audit entry
type OrderLogResponse struct {
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

// SweepReportResponse is returned by a manually triggered sweep
type SweepReportResponse struct {
	Found     int `json:"found"`
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// PlanResponse is the API view of a plan
type PlanResponse struct {
	ID           int64  `json:"id"`
	ServerID     int64  `json:"server_id"`
	Name         string `json:"name"`
	Country      string `json:"country,omitempty"`
	VolumeGB     int64  `json:"volume_gb"`
	DurationDays int    `json:"duration_days"`
	MultiUser    int    `json:"multi_user"`
}

// NewPlanResponse builds the API view of a plan. Inbound IDs stay internal.
func NewPlanResponse(p *Plan) *PlanResponse {
	return &PlanResponse{
		ID:           p.ID,
		ServerID:     p.ServerID,
		Name:         p.Name,
		Country:      p.Country,
		VolumeGB:     p.VolumeGB,
		DurationDays: p.DurationDays,
		MultiUser:    p.MultiUser,
	}
}

// NewOrderResponse builds the API view of an order
func NewOrderResponse(o *Order) *OrderResponse {
	resp := &OrderResponse{
		ID:              o.ID,
		UserRef:         o.UserRef,
		PlanID:          o.PlanID,
		ServerID:        o.ServerID,
		Status:          string(o.Status),
		ConnectionURI:   o.ConnectionURI,
		RejectionReason: o.RejectionReason,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
		ExpiresAt:       formatTime(o.ExpiresAt),
		ApprovedAt:      formatTime(o.ApprovedAt),
		RejectedAt:      formatTime(o.RejectedAt),
		ExpiredAt:       formatTime(o.ExpiredAt),
	}
	if o.Grant != nil {
		id := o.Grant.ClientID
		resp.ClientID = &id
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
