package commands

import (
	"context"
	"errors"
	"sync"
	"testing"

	. "github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/matryer/is"
)

func TestDrainReturnsPendingInOrderAndOnlyOnce(t *testing.T) {
	is, ctx, r := testSetupCommandRepository(t)

	first, err := r.Add(ctx, "pump-01", types.CommandStartIrrigation, map[string]any{"durationSeconds": 60})
	is.NoErr(err)
	second, err := r.Add(ctx, "pump-01", types.CommandStopIrrigation, nil)
	is.NoErr(err)
	_, err = r.Add(ctx, "pump-02", types.CommandStopIrrigation, nil)
	is.NoErr(err)

	drained, err := r.Drain(ctx, "pump-01")
	is.NoErr(err)
	is.Equal(2, len(drained))
	is.Equal(first.ID, drained[0].ID)
	is.Equal(second.ID, drained[1].ID)
	is.Equal(types.CommandSent, drained[0].Status)
	is.Equal(float64(60), drained[0].Payload["durationSeconds"])

	drained, err = r.Drain(ctx, "pump-01")
	is.NoErr(err)
	is.Equal(0, len(drained))

	other, err := r.List(ctx, "pump-02", types.CommandPending)
	is.NoErr(err)
	is.Equal(1, len(other))
}

func TestConcurrentDrainsNeverDeliverTwice(t *testing.T) {
	is, ctx, r := testSetupCommandRepository(t)

	for range 10 {
		_, err := r.Add(ctx, "pump-01", types.CommandStartIrrigation, nil)
		is.NoErr(err)
	}

	var mu sync.Mutex
	seen := map[string]int{}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drained, err := r.Drain(ctx, "pump-01")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, c := range drained {
				seen[c.ID]++
			}
		}()
	}
	wg.Wait()

	is.Equal(10, len(seen))
	for _, n := range seen {
		is.Equal(1, n)
	}
}

func TestAcknowledgeSentCommand(t *testing.T) {
	is, ctx, r := testSetupCommandRepository(t)

	cmd, _ := r.Add(ctx, "pump-01", types.CommandStartIrrigation, nil)

	_, err := r.Acknowledge(ctx, "pump-01", cmd.ID, types.CommandExecuted, "")
	is.True(errors.Is(err, ErrCommandState))

	_, _ = r.Drain(ctx, "pump-01")

	acked, err := r.Acknowledge(ctx, "pump-01", cmd.ID, types.CommandExecuted, "")
	is.NoErr(err)
	is.Equal(types.CommandExecuted, acked.Status)

	_, err = r.Acknowledge(ctx, "pump-01", cmd.ID, types.CommandExecuted, "")
	is.NoErr(err)

	_, err = r.Acknowledge(ctx, "pump-01", cmd.ID, types.CommandFailed, "valve stuck")
	is.True(errors.Is(err, ErrCommandState))
}

func TestAcknowledgeUnknownCommand(t *testing.T) {
	is, ctx, r := testSetupCommandRepository(t)

	cmd, _ := r.Add(ctx, "pump-01", types.CommandStartIrrigation, nil)

	_, err := r.Acknowledge(ctx, "pump-02", cmd.ID, types.CommandExecuted, "")
	is.True(errors.Is(err, ErrCommandNotFound))

	_, err = r.Get(ctx, "does-not-exist")
	is.True(errors.Is(err, ErrCommandNotFound))
}

func testSetupCommandRepository(t *testing.T) (*is.I, context.Context, CommandRepository) {
	is := is.New(t)
	ctx := context.Background()

	r, err := NewCommandRepository(NewSQLiteConnector(ctx))
	is.NoErr(err)

	return is, ctx, r
}
