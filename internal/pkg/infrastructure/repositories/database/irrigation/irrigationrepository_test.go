package irrigation

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/matryer/is"
)

func TestStopWithoutStartWritesNothing(t *testing.T) {
	is, ctx, r := testSetupIrrigationRepository(t)

	called := false
	_, err := r.Stop(ctx, "pump-01", func(time.Time) (types.IrrigationLog, error) {
		called = true
		return types.IrrigationLog{}, nil
	})

	is.True(errors.Is(err, ErrNoPendingStart))
	is.True(!called)

	history, err := r.GetHistory(ctx, "pump-01", 10)
	is.NoErr(err)
	is.Equal(0, len(history))
}

func TestStartThenStopClosesTheRun(t *testing.T) {
	is, ctx, r := testSetupIrrigationRepository(t)

	start := time.Unix(1700000000, 0)
	is.NoErr(r.Start(ctx, "pump-01", start))

	summary, err := r.GetSummary(ctx, "pump-01")
	is.NoErr(err)
	is.True(summary.Irrigating)
	is.True(summary.LastIrrigatedAt.Equal(start))

	entry, err := r.Stop(ctx, "pump-01", func(startedAt time.Time) (types.IrrigationLog, error) {
		is.True(startedAt.Equal(start))
		return types.IrrigationLog{
			TenantID:        "farm-a",
			StartedAt:       startedAt,
			StoppedAt:       startedAt.Add(90 * time.Second),
			DurationSeconds: 90,
			DurationMinutes: 1.5,
		}, nil
	})
	is.NoErr(err)
	is.Equal("pump-01", entry.DeviceID)
	is.Equal(int64(90), entry.DurationSeconds)

	summary, _ = r.GetSummary(ctx, "pump-01")
	is.True(!summary.Irrigating)
	is.Equal(int64(90), *summary.LastDurationSeconds)

	_, err = r.Stop(ctx, "pump-01", func(time.Time) (types.IrrigationLog, error) {
		return types.IrrigationLog{}, nil
	})
	is.True(errors.Is(err, ErrNoPendingStart))

	history, _ := r.GetHistory(ctx, "pump-01", 0)
	is.Equal(1, len(history))
}

func TestSummaryOfUnknownDeviceIsEmpty(t *testing.T) {
	is, ctx, r := testSetupIrrigationRepository(t)

	summary, err := r.GetSummary(ctx, "unknown")
	is.NoErr(err)
	is.True(summary.LastIrrigatedAt == nil)
	is.True(!summary.Irrigating)
}

func testSetupIrrigationRepository(t *testing.T) (*is.I, context.Context, IrrigationRepository) {
	is := is.New(t)
	ctx := context.Background()

	r, err := NewIrrigationRepository(NewSQLiteConnector(ctx))
	is.NoErr(err)

	return is, ctx, r
}
