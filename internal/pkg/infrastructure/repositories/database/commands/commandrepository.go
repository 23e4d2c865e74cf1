package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	. "github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:generate moq -rm -out commandrepository_mock.go . CommandRepository

type CommandRepository interface {
	Add(ctx context.Context, deviceID, commandType string, payload map[string]any) (types.Command, error)
	Drain(ctx context.Context, deviceID string) ([]types.Command, error)
	Acknowledge(ctx context.Context, deviceID, commandID string, outcome types.CommandStatus, reason string) (types.Command, error)
	Get(ctx context.Context, commandID string) (types.Command, error)
	List(ctx context.Context, deviceID string, status ...types.CommandStatus) ([]types.Command, error)
}

var ErrCommandNotFound = fmt.Errorf("command not found")
var ErrCommandState = fmt.Errorf("command is not in an acknowledgeable state")

type commandRepository struct {
	db *gorm.DB
}

func NewCommandRepository(connect ConnectorFunc) (CommandRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Command{})
	if err != nil {
		return nil, err
	}

	return &commandRepository{
		db: impl,
	}, nil
}

func (r *commandRepository) Add(ctx context.Context, deviceID, commandType string, payload map[string]any) (types.Command, error) {
	var raw []byte

	if len(payload) > 0 {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return types.Command{}, fmt.Errorf("could not marshal command payload: %w", err)
		}
	}

	cmd := Command{
		CommandID: uuid.NewString(),
		DeviceID:  deviceID,
		Type:      commandType,
		Status:    string(types.CommandPending),
		Payload:   raw,
	}

	err := r.db.WithContext(ctx).Create(&cmd).Error
	if err != nil {
		return types.Command{}, err
	}

	return cmd.toType(), nil
}

// Drain moves every PENDING command for the device to SENT and returns the moved commands
// in creation order. Each row is claimed with a conditional update so that a command claimed
// by a concurrent drain is skipped instead of returned twice.
func (r *commandRepository) Drain(ctx context.Context, deviceID string) ([]types.Command, error) {
	log := logging.GetLoggerFromContext(ctx)

	drained := []Command{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("device_id = ? AND status = ?", deviceID, string(types.CommandPending)).
			Order("created_at ASC, id ASC")

		if IsPostgres(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		pending := []Command{}
		if err := query.Find(&pending).Error; err != nil {
			return err
		}

		now := time.Now().UTC()

		for _, cmd := range pending {
			result := tx.Model(&Command{}).
				Where("id = ? AND status = ?", cmd.ID, string(types.CommandPending)).
				Updates(map[string]any{
					"status":  string(types.CommandSent),
					"sent_at": now,
				})

			if result.Error != nil {
				return result.Error
			}

			if result.RowsAffected != 1 {
				log.Debug().Str("command_id", cmd.CommandID).Msg("command claimed by a concurrent drain, skipping")
				continue
			}

			cmd.Status = string(types.CommandSent)
			cmd.SentAt = &now
			drained = append(drained, cmd)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return lo.Map(drained, func(c Command, _ int) types.Command {
		return c.toType()
	}), nil
}

func (r *commandRepository) Acknowledge(ctx context.Context, deviceID, commandID string, outcome types.CommandStatus, reason string) (types.Command, error) {
	var cmd Command

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("command_id = ? AND device_id = ?", commandID, deviceID).First(&cmd)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
			}
			return result.Error
		}

		if cmd.Status == string(outcome) {
			return nil
		}

		if cmd.Status != string(types.CommandSent) {
			return fmt.Errorf("%w: %s is %s", ErrCommandState, commandID, cmd.Status)
		}

		now := time.Now().UTC()

		result = tx.Model(&Command{}).
			Where("id = ? AND status = ?", cmd.ID, string(types.CommandSent)).
			Updates(map[string]any{
				"status":   string(outcome),
				"reason":   reason,
				"acked_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return fmt.Errorf("%w: %s was acknowledged concurrently", ErrCommandState, commandID)
		}

		cmd.Status = string(outcome)
		cmd.Reason = reason
		cmd.AckedAt = &now

		return nil
	})

	if err != nil {
		return types.Command{}, err
	}

	return cmd.toType(), nil
}

func (r *commandRepository) Get(ctx context.Context, commandID string) (types.Command, error) {
	var cmd Command

	result := r.db.WithContext(ctx).Where(&Command{CommandID: commandID}).First(&cmd)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Command{}, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
		}
		return types.Command{}, result.Error
	}

	return cmd.toType(), nil
}

func (r *commandRepository) List(ctx context.Context, deviceID string, status ...types.CommandStatus) ([]types.Command, error) {
	var cmds []Command

	query := r.db.WithContext(ctx).Where("device_id = ?", deviceID)

	if len(status) > 0 {
		query = query.Where("status IN ?", lo.Map(status, func(s types.CommandStatus, _ int) string {
			return string(s)
		}))
	}

	err := query.Order("created_at ASC, id ASC").Find(&cmds).Error
	if err != nil {
		return nil, err
	}

	return lo.Map(cmds, func(c Command, _ int) types.Command {
		return c.toType()
	}), nil
}
