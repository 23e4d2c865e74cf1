package commands

import (
	"encoding/json"
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
)

type Command struct {
	ID        uint   `gorm:"primarykey"`
	CommandID string `gorm:"uniqueIndex"`
	DeviceID  string `gorm:"index:idx_commands_device_status"`
	Status    string `gorm:"index:idx_commands_device_status"`
	Type      string
	Payload   []byte
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    *time.Time
	AckedAt   *time.Time
}

func (c Command) toType() types.Command {
	cmd := types.Command{
		ID:        c.CommandID,
		DeviceID:  c.DeviceID,
		Type:      c.Type,
		Status:    types.CommandStatus(c.Status),
		CreatedAt: c.CreatedAt,
	}

	if len(c.Payload) > 0 {
		_ = json.Unmarshal(c.Payload, &cmd.Payload)
	}

	return cmd
}
