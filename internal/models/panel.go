package models

import "time"

// BytesPerGB is the panel's quota unit multiplier.
const BytesPerGB = int64(1024 * 1024 * 1024)

// Server is a 3x-ui panel connection. Managed by the admin tooling,
// read-only here.
type Server struct {
	ID        int64
	Title     string
	BaseURL   string
	Username  string
	Password  string
	CreatedAt time.Time
}

// Plan is a sellable package bound to one inbound of one server.
type Plan struct {
	ID           int64
	ServerID     int64
	InboundID    int
	Name         string
	Country      string
	VolumeGB     int64
	DurationDays int
	MultiUser    int
	CreatedAt    time.Time
}

// Grant describes the client account provisioned on the panel.
type Grant struct {
	ClientID   string `json:"client_id"`
	InboundID  int    `json:"inbound_id"`
	SubID      string `json:"sub_id"`
	Email      string `json:"email"`
	TotalBytes int64  `json:"total_bytes"`
	// Epoch milliseconds, as the panel expects
	ExpiryTime int64 `json:"expiry_time"`
	LimitIP    int   `json:"limit_ip"`
	Enable     bool  `json:"enable"`
}

// ExpiresAt converts the panel expiry into a time.
func (g *Grant) ExpiresAt() time.Time {
	return time.UnixMilli(g.ExpiryTime).UTC()
}
