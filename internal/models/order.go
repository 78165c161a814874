package models

import "time"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusWaitingReceipt OrderStatus = "WAITING_RECEIPT"
	OrderStatusPendingReview  OrderStatus = "PENDING_REVIEW"
	OrderStatusActive         OrderStatus = "ACTIVE"
	OrderStatusRejected       OrderStatus = "REJECTED"
	OrderStatusExpired        OrderStatus = "EXPIRED"
)

// Valid reports whether s is one of the known order states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusWaitingReceipt, OrderStatusPendingReview, OrderStatusActive,
		OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a time-limited access grant request.
// Grant and ExpiresAt are set exactly when Status is ACTIVE.
type Order struct {
	ID       int64
	UserRef  string
	PlanID   int64
	ServerID int64
	Status   OrderStatus

	// Opaque reference to the payment receipt held by the bot front end
	ReceiptRef *string

	Grant         *Grant
	ExpiresAt     *time.Time
	ConnectionURI *string

	RejectionReason *string

	// Claim lease, held while a panel call is in flight
	ClaimToken *string
	ClaimedAt  *time.Time

	CreatedAt  time.Time
	ApprovedAt *time.Time
	RejectedAt *time.Time
	ExpiredAt  *time.Time
	UpdatedAt  time.Time
}

// HasGrant reports whether the order currently carries a panel grant.
func (o *Order) HasGrant() bool {
	return o.Grant != nil
}

// Consistent checks the ACTIVE <=> grant+expiry invariant.
func (o *Order) Consistent() bool {
	provisioned := o.Grant != nil && o.ExpiresAt != nil
	cleared := o.Grant == nil && o.ExpiresAt == nil
	if o.Status == OrderStatusActive {
		return provisioned
	}
	return cleared
}

// Clone returns a deep copy, so a transition can be prepared without
// touching the caller's value.
func (o *Order) Clone() *Order {
	c := *o
	if o.Grant != nil {
		g := *o.Grant
		c.Grant = &g
	}
	c.ReceiptRef = cloneString(o.ReceiptRef)
	c.ConnectionURI = cloneString(o.ConnectionURI)
	c.RejectionReason = cloneString(o.RejectionReason)
	c.ClaimToken = cloneString(o.ClaimToken)
	c.ExpiresAt = cloneTime(o.ExpiresAt)
	c.ClaimedAt = cloneTime(o.ClaimedAt)
	c.ApprovedAt = cloneTime(o.ApprovedAt)
	c.RejectedAt = cloneTime(o.RejectedAt)
	c.ExpiredAt = cloneTime(o.ExpiredAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// OrderLog is an audit entry for an order.
type OrderLog struct {
	ID        string
	OrderID   int64
	Action    string
	Status    string
	Message   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// Audit actions
const (
	ActionOrderPlaced          = "order_placed"
	ActionReceiptSubmitted     = "receipt_submitted"
	ActionReceiptResubmitted   = "receipt_resubmitted"
	ActionOrderApproved        = "order_approved"
	ActionOrderApproveFailed   = "order_approve_failed"
	ActionOrderRejected        = "order_rejected"
	ActionOrderExpired         = "order_expired"
	ActionOrderExpireFailed    = "order_expire_failed"
	ActionClaimConflict        = "claim_conflict"
	ActionProvisioningConflict = "provisioning_conflict"
	ActionGrantCompensated     = "grant_compensated"
)
