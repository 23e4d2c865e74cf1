package types

import (
	"encoding/json"
	"time"
)

// Event is published to observers when the state of a farm changes.
type Event interface {
	ContentType() string
	TopicName() string
	EventName() string
	Tenant() string
	Body() []byte
}

type ConnectionStatusChanged struct {
	TenantID  string           `json:"tenantId"`
	Status    ConnectionStatus `json:"status"`
	QR        string           `json:"qr,omitzero"`
	Reason    string           `json:"reason,omitzero"`
	Timestamp time.Time        `json:"timestamp"`
}

func (c *ConnectionStatusChanged) ContentType() string {
	return "application/json"
}
func (c *ConnectionStatusChanged) TopicName() string {
	return "farm.connectionStatusChanged"
}
func (c *ConnectionStatusChanged) EventName() string {
	if c.Status == StatusQRPending && c.QR != "" {
		return "pairing"
	}
	return "connection_status"
}
func (c *ConnectionStatusChanged) Tenant() string {
	return c.TenantID
}
func (c *ConnectionStatusChanged) Body() []byte {
	b, _ := json.Marshal(c)
	return b
}

type AlertRaised struct {
	Alert     Alert     `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *AlertRaised) ContentType() string {
	return "application/json"
}
func (a *AlertRaised) TopicName() string {
	return "farm.alertRaised"
}
func (a *AlertRaised) EventName() string {
	return "alert"
}
func (a *AlertRaised) Tenant() string {
	return a.Alert.TenantID
}
func (a *AlertRaised) Body() []byte {
	b, _ := json.Marshal(a)
	return b
}

type CommandEnqueued struct {
	TenantID  string    `json:"tenantId,omitzero"`
	Command   Command   `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *CommandEnqueued) ContentType() string {
	return "application/json"
}
func (c *CommandEnqueued) TopicName() string {
	return "device.commandEnqueued"
}
func (c *CommandEnqueued) EventName() string {
	return "command"
}
func (c *CommandEnqueued) Tenant() string {
	return c.TenantID
}
func (c *CommandEnqueued) Body() []byte {
	b, _ := json.Marshal(c)
	return b
}
