package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/diwise/iot-farm-bridge/internal/pkg/application/commandqueue"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/irrigation"
	"github.com/diwise/iot-farm-bridge/pkg/types"
)

type queueFake struct {
	commandqueue.CommandQueue
	mu      sync.Mutex
	started []string
	stopped []string
	seq     int
}

func (q *queueFake) Start(ctx context.Context, deviceID string, durationSeconds int) (types.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.started = append(q.started, fmt.Sprintf("%s:%d", deviceID, durationSeconds))
	return types.Command{ID: fmt.Sprintf("cmd-%d", q.seq), DeviceID: deviceID, Type: types.CommandStartIrrigation, Status: types.CommandPending}, nil
}

func (q *queueFake) Stop(ctx context.Context, deviceID string) (types.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.stopped = append(q.stopped, deviceID)
	return types.Command{ID: fmt.Sprintf("cmd-%d", q.seq), DeviceID: deviceID, Type: types.CommandStopIrrigation, Status: types.CommandPending}, nil
}

func (q *queueFake) Pending(ctx context.Context, deviceID string) ([]types.Command, error) {
	return []types.Command{{ID: "cmd-0", DeviceID: deviceID, Type: types.CommandStopIrrigation, Status: types.CommandPending}}, nil
}

type ledgerFake struct {
	irrigation.Ledger
}

func (ledgerFake) Summary(ctx context.Context, deviceID string) (types.IrrigationSummary, error) {
	seconds := int64(120)
	return types.IrrigationSummary{LastDurationSeconds: &seconds}, nil
}

type senderFake struct {
	mu      sync.Mutex
	replies []string
}

func (s *senderFake) Send(ctx context.Context, tenantID, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, text)
	return nil
}

func (s *senderFake) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return ""
	}
	return s.replies[len(s.replies)-1]
}

type devicesFake map[string][]types.Device

func (d devicesFake) GetDevicesForTenant(ctx context.Context, tenantID string) ([]types.Device, error) {
	if devices, ok := d[tenantID]; ok {
		return devices, nil
	}
	return nil, errors.New("no such tenant")
}

type responderFake struct {
	requests []Request
	reply    string
}

func (r *responderFake) Respond(ctx context.Context, req Request) (string, error) {
	r.requests = append(r.requests, req)
	return r.reply, nil
}
