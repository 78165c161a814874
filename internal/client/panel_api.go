package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

const (
	addClientPath  = "panel/api/inbounds/addClient"
	delClientPath  = "panel/api/inbounds/delClient"
	getInboundPath = "panel/api/inbounds/get/%d"
)

// ClientEntry is one element of the "clients" array the panel expects.
type ClientEntry struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"` // bytes, despite the name
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	SubID      string `json:"subId"`
	Reset      int    `json:"reset"`
	Flow       string `json:"flow"`
}

// AddClientRequest is the addClient body. Settings is a JSON string.
type AddClientRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

// DelClientRequest is the delClient body.
type DelClientRequest struct {
	ID        int      `json:"id"`
	ClientIDs []string `json:"clientIds"`
}

// Inbound is the subset of inbound metadata needed to build links.
type Inbound struct {
	ID       int
	Protocol string
	Port     int
	Listen   string
	Remark   string
	// Settings and StreamSettings are raw JSON documents
	Settings       string
	StreamSettings string
}

// NewClientEntry converts a grant into the panel representation.
func NewClientEntry(g *models.Grant) ClientEntry {
	return ClientEntry{
		ID:         g.ClientID,
		Email:      g.Email,
		LimitIP:    g.LimitIP,
		TotalGB:    g.TotalBytes,
		ExpiryTime: g.ExpiryTime,
		Enable:     g.Enable,
		SubID:      g.SubID,
	}
}

// AddClient creates a client on an inbound
func (c *PanelClient) AddClient(ctx context.Context, server *models.Server, inboundID int, entry ClientEntry) error {
	// 日志脱敏: 只记录 client id
	c.logger.Info("adding panel client", "server_id", server.ID, "inbound_id", inboundID, "client_id", entry.ID)

	settings, err := json.Marshal(struct {
		Clients []ClientEntry `json:"clients"`
	}{Clients: []ClientEntry{entry}})
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	req := &AddClientRequest{ID: inboundID, Settings: string(settings)}
	if _, err := c.Execute(ctx, server, http.MethodPost, addClientPath, req, false); err != nil {
		return err
	}

	c.logger.Info("panel client added", "server_id", server.ID, "client_id", entry.ID)
	return nil
}

// DelClient removes a client from an inbound
func (c *PanelClient) DelClient(ctx context.Context, server *models.Server, inboundID int, clientID string) error {
	c.logger.Info("removing panel client", "server_id", server.ID, "inbound_id", inboundID, "client_id", clientID)

	req := &DelClientRequest{ID: inboundID, ClientIDs: []string{clientID}}
	if _, err := c.Execute(ctx, server, http.MethodPost, delClientPath, req, false); err != nil {
		return err
	}

	c.logger.Info("panel client removed", "server_id", server.ID, "client_id", clientID)
	return nil
}

// GetInbound fetches inbound metadata
func (c *PanelClient) GetInbound(ctx context.Context, server *models.Server, inboundID int) (*Inbound, error) {
	op := fmt.Sprintf(getInboundPath, inboundID)
	payload, err := c.Execute(ctx, server, http.MethodGet, op, nil, true)
	if err != nil {
		return nil, err
	}
	return ParseInbound(op, payload.Value)
}

// ParseInbound reads inbound metadata out of a normalized payload.
func ParseInbound(op string, v gjson.Result) (*Inbound, error) {
	if !v.IsObject() {
		return nil, &ValidationError{Op: op, Reason: "inbound payload is not an object"}
	}
	inbound := &Inbound{
		ID:             int(v.Get("id").Int()),
		Protocol:       v.Get("protocol").String(),
		Port:           int(v.Get("port").Int()),
		Listen:         v.Get("listen").String(),
		Remark:         v.Get("remark").String(),
		Settings:       AsJSON(v.Get("settings")),
		StreamSettings: AsJSON(v.Get("streamSettings")),
	}
	if inbound.Protocol == "" {
		return nil, &ValidationError{Op: op, Reason: "inbound has no protocol"}
	}
	return inbound, nil
}
