package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/matryer/is"
)

type sinkFake struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *sinkFake) Publish(ctx context.Context, evt types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func TestPublishReachesSinksAndSenders(t *testing.T) {
	is := is.New(t)

	sink := &sinkFake{}
	received := make(chan string, 2)

	ok := SenderFunc(func(ctx context.Context, evt types.Event) error {
		received <- evt.TopicName()
		return nil
	})
	failing := SenderFunc(func(ctx context.Context, evt types.Event) error {
		received <- "failed"
		return errors.New("broker down")
	})

	n := New([]Sink{sink}, []Sender{ok, failing})

	ctx, cancel := context.WithCancel(context.Background())
	n.Publish(ctx, &types.AlertRaised{Alert: types.Alert{TenantID: "farm-a"}})
	cancel()

	is.Equal(1, len(sink.events))

	got := map[string]bool{}
	for range 2 {
		select {
		case topic := <-received:
			got[topic] = true
		case <-time.After(2 * time.Second):
			t.Fatal("sender was never called")
		}
	}

	is.True(got["farm.alertRaised"])
	is.True(got["failed"])
}

func TestEventsReachEachSenderInPublishOrder(t *testing.T) {
	is := is.New(t)

	var mu sync.Mutex
	received := map[string][]string{}

	record := func(name string) Sender {
		return SenderFunc(func(ctx context.Context, evt types.Event) error {
			mu.Lock()
			defer mu.Unlock()
			received[name] = append(received[name], evt.(*types.ConnectionStatusChanged).Reason)
			return nil
		})
	}

	n := New(nil, []Sender{record("broker"), record("subscribers")})

	published := []string{}
	for i := range 200 {
		status := types.StatusConnected
		if i%2 == 1 {
			status = types.StatusDisconnected
		}
		reason := fmt.Sprintf("%s-%d", status, i)
		published = append(published, reason)
		n.Publish(context.Background(), &types.ConnectionStatusChanged{TenantID: "farm-a", Status: status, Reason: reason})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	is.NoErr(n.Close(ctx))

	is.Equal(published, received["broker"])
	is.Equal(published, received["subscribers"])
}

func TestFullQueueDropsEventsInsteadOfBlocking(t *testing.T) {
	is := is.New(t)

	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0

	slow := SenderFunc(func(ctx context.Context, evt types.Event) error {
		<-release
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	n := New(nil, []Sender{slow}, WithQueueSize(1))

	published := make(chan struct{})
	go func() {
		for range 5 {
			n.Publish(context.Background(), &types.AlertRaised{Alert: types.Alert{TenantID: "farm-a"}})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow sender")
	}

	close(release)
	is.NoErr(n.Close(context.Background()))

	is.True(delivered >= 1)
	is.True(delivered <= 2)
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	is := is.New(t)

	calls := 0
	counting := SenderFunc(func(ctx context.Context, evt types.Event) error {
		calls++
		return nil
	})

	sink := &sinkFake{}
	n := New([]Sink{sink}, []Sender{counting})
	is.NoErr(n.Close(context.Background()))
	is.NoErr(n.Close(context.Background()))

	n.Publish(context.Background(), &types.AlertRaised{Alert: types.Alert{TenantID: "farm-a"}})

	is.Equal(1, len(sink.events))
	is.Equal(0, calls)
}
