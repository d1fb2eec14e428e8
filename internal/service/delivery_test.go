package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderscan/screenlink/internal/bus"
	apperrors "github.com/orderscan/screenlink/internal/errors"
	"github.com/orderscan/screenlink/internal/model"
	redisclient "github.com/orderscan/screenlink/internal/redis"
)

const deliveryChannel = "screen:org-1:line-a"

type published struct {
	channelID string
	eventType string
	data      any
}

// fakeChannel stands in for the router: it records publishes, reports a fixed
// listener count and can answer each publish through onPublish.
type fakeChannel struct {
	mu        sync.Mutex
	listeners int
	events    []published
	onPublish func(p published)
}

func (f *fakeChannel) Publish(_ context.Context, channelID, eventType string, data any) (int, error) {
	p := published{channelID: channelID, eventType: eventType, data: data}
	f.mu.Lock()
	f.events = append(f.events, p)
	hook := f.onPublish
	listeners := f.listeners
	f.mu.Unlock()
	if hook != nil {
		go hook(p)
	}
	return listeners, nil
}

func (f *fakeChannel) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.events...)
}

func newCommandService(pub Publisher) (*CommandService, *AckTracker) {
	acks := NewAckTracker()
	svc := NewCommandService(pub, acks, DeliveryOptions{MaxRetries: 2, AckTimeout: 50 * time.Millisecond})
	svc.notConnectedWait = 20 * time.Millisecond
	return svc, acks
}

func navigateJob(jobNo string) model.NavigateCommand {
	return model.NavigateCommand{
		JobNo: jobNo,
		URL:   "https://erp.local/orders/" + jobNo,
		Exp:   time.Now().Add(time.Minute).UnixMilli(),
	}
}

func TestSend_NotConnectedExhaustsRetries(t *testing.T) {
	pub := &fakeChannel{}
	svc, acks := newCommandService(pub)

	res, err := svc.Send(context.Background(), deliveryChannel, model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{MaxRetries: 2, AckTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	assert.False(t, res.Acked)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, ReasonNotConnected, res.Reason)
	assert.NotEmpty(t, res.TxID)
	assert.Equal(t, 0, acks.Pending())

	events := pub.published()
	require.Len(t, events, 3)
	for i, e := range events {
		nav := e.data.(model.NavigateCommand)
		assert.Equal(t, res.TxID, nav.TxID, "txId is stable across retries")
		assert.Equal(t, res.TxID+"."+string(rune('0'+i)), nav.Nonce, "nonce is fresh per attempt")
		assert.Equal(t, model.EventNavigate, e.eventType)
	}
}

func TestSend_AckTimeoutRetries(t *testing.T) {
	pub := &fakeChannel{listeners: 1}
	svc, _ := newCommandService(pub)

	started := time.Now()
	res, err := svc.Send(context.Background(), deliveryChannel, model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{MaxRetries: 1, AckTimeout: 40 * time.Millisecond})
	require.NoError(t, err)

	assert.False(t, res.Acked)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, ReasonAckTimeout, res.Reason)
	assert.GreaterOrEqual(t, time.Since(started), 80*time.Millisecond)
}

func TestSend_AckedOnSecondAttempt(t *testing.T) {
	pub := &fakeChannel{listeners: 1}
	svc, acks := newCommandService(pub)

	pub.onPublish = func(p published) {
		nav := p.data.(model.NavigateCommand)
		if nav.Nonce != nav.TxID+".1" {
			return
		}
		acks.Deliver(deliveryChannel, model.AckPayload{TxID: nav.TxID, Result: model.AckSuccess, TabID: "tab-3", Nonce: nav.Nonce})
	}

	res, err := svc.Send(context.Background(), deliveryChannel, model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{MaxRetries: 3, AckTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	assert.True(t, res.Acked)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "tab-3", res.TabID)
	assert.Empty(t, res.Reason)
}

func TestSend_DuplicateAckCountsAsDelivered(t *testing.T) {
	pub := &fakeChannel{listeners: 1}
	svc, acks := newCommandService(pub)
	pub.onPublish = func(p published) {
		nav := p.data.(model.NavigateCommand)
		acks.Deliver(deliveryChannel, model.AckPayload{TxID: nav.TxID, Result: model.AckSuccess, Reason: ReasonDuplicate})
	}

	res, err := svc.Send(context.Background(), deliveryChannel, model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{MaxRetries: 0, AckTimeout: time.Second})
	require.NoError(t, err)
	assert.True(t, res.Acked)
	assert.Equal(t, ReasonDuplicate, res.Reason)
}

func TestSend_FailedAckIsTerminal(t *testing.T) {
	pub := &fakeChannel{listeners: 1}
	svc, acks := newCommandService(pub)
	pub.onPublish = func(p published) {
		nav := p.data.(model.NavigateCommand)
		acks.Deliver(deliveryChannel, model.AckPayload{TxID: nav.TxID, Result: model.AckFailed, Reason: "expired"})
	}

	res, err := svc.Send(context.Background(), deliveryChannel, model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{MaxRetries: 3, AckTimeout: time.Second})
	require.NoError(t, err)
	assert.False(t, res.Acked)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "expired", res.Reason)
}

func TestSend_ForeignChannelAckIgnored(t *testing.T) {
	pub := &fakeChannel{listeners: 1}
	svc, acks := newCommandService(pub)
	delivered := make(chan bool, 4)
	pub.onPublish = func(p published) {
		nav := p.data.(model.NavigateCommand)
		delivered <- acks.Deliver("screen:org-1:line-b", model.AckPayload{TxID: nav.TxID, Result: model.AckSuccess})
	}

	res, err := svc.Send(context.Background(), deliveryChannel, model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{MaxRetries: 0, AckTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, res.Acked)
	assert.Equal(t, ReasonAckTimeout, res.Reason)
	assert.False(t, <-delivered)
}

func TestSend_CancelStopsRetries(t *testing.T) {
	pub := &fakeChannel{}
	svc, _ := newCommandService(pub)
	svc.notConnectedWait = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	started := time.Now()
	res, err := svc.Send(ctx, deliveryChannel, model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{MaxRetries: 5, AckTimeout: time.Second})
	require.NoError(t, err)
	assert.False(t, res.Acked)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, time.Since(started), 900*time.Millisecond)
}

func TestSend_GenericCommands(t *testing.T) {
	pub := &fakeChannel{listeners: 1}
	svc, acks := newCommandService(pub)
	pub.onPublish = func(p published) {
		cmd := p.data.(model.Command)
		acks.Deliver(deliveryChannel, model.AckPayload{TxID: cmd.TxID, Result: model.AckSuccess})
	}

	res, err := svc.Send(context.Background(), deliveryChannel, model.CommandTrigger, map[string]string{"action": "print"}, DeliveryOptions{AckTimeout: time.Second})
	require.NoError(t, err)
	assert.True(t, res.Acked)

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCommand, events[0].eventType)
	cmd := events[0].data.(model.Command)
	assert.Equal(t, model.CommandTrigger, cmd.Type)
	assert.JSONEq(t, `{"action":"print"}`, string(cmd.Payload))
}

func TestSend_Validation(t *testing.T) {
	svc, _ := newCommandService(&fakeChannel{})
	ctx := context.Background()

	_, err := svc.Send(ctx, "not-a-channel", model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))

	_, err = svc.Send(ctx, deliveryChannel, "reboot", nil, DeliveryOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))

	_, err = svc.Send(ctx, deliveryChannel, model.CommandNavigate, model.NavigateCommand{URL: "https://x"}, DeliveryOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation), "navigate requires jobNo")

	t.Run("navigate from raw json keeps caller txId", func(t *testing.T) {
		pub := &fakeChannel{}
		svc, _ := newCommandService(pub)
		raw := json.RawMessage(`{"txId":"tx-fixed","jobNo":"J-5","url":"https://erp.local/orders/J-5","exp":1}`)
		res, err := svc.Send(ctx, deliveryChannel, model.CommandNavigate, raw, DeliveryOptions{MaxRetries: 0})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, "tx-fixed", res.TxID)
		nav := pub.published()[0].data.(model.NavigateCommand)
		assert.Equal(t, "J-5", nav.JobNo)
		assert.Equal(t, "tx-fixed.0", nav.Nonce)
	})
}

// ackingDisplay answers every navigate it receives through ack.
type ackingDisplay struct {
	id  string
	ack func(txID string)
}

func (d *ackingDisplay) ID() string { return d.id }

func (d *ackingDisplay) Deliver(env model.Envelope) bool {
	if env.Type != model.EventNavigate {
		return true
	}
	var cmd model.NavigateCommand
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		return false
	}
	go d.ack(cmd.TxID)
	return true
}

func TestSend_AckRelayedAcrossInstances(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	clientA, err := redisclient.NewClient(ctx, url)
	require.NoError(t, err)
	defer clientA.Close()
	clientB, err := redisclient.NewClient(ctx, url)
	require.NoError(t, err)
	defer clientB.Close()

	routerA, routerB := bus.NewRouter(clientA), bus.NewRouter(clientB)
	defer routerA.Close()
	defer routerB.Close()

	acksA, acksB := NewAckTracker(), NewAckTracker()
	routerA.OnRemoteAck(acksA.Deliver)
	routerB.OnRemoteAck(acksB.Deliver)

	channelID := fmt.Sprintf("screen:relay-%d:line1", time.Now().UnixNano())
	var acked atomic.Int32
	display := &ackingDisplay{id: "display-b", ack: func(txID string) {
		acked.Add(1)
		ack := model.AckPayload{TxID: txID, Result: model.AckSuccess, TabID: "tab-1"}
		// the display sits on instance B; the command came from A
		if !acksB.Deliver(channelID, ack) {
			assert.NoError(t, routerB.RelayAck(ctx, channelID, ack))
		}
	}}
	require.NoError(t, routerB.Register(display, channelID))

	// the channel subscription on B is established asynchronously
	require.Eventually(t, func() bool {
		n, err := routerA.Publish(ctx, channelID, model.EventPing, nil)
		return err == nil && n == 1
	}, 2*time.Second, 50*time.Millisecond)

	svc := NewCommandService(routerA, acksA, DeliveryOptions{MaxRetries: 2, AckTimeout: time.Second})
	res, err := svc.Send(ctx, channelID, model.CommandNavigate, navigateJob("J-1"), DeliveryOptions{MaxRetries: -1})
	require.NoError(t, err)

	assert.True(t, res.Acked, "reason=%s", res.Reason)
	assert.Equal(t, "tab-1", res.TabID)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, acked.Load())
	assert.Zero(t, acksA.Pending())
}
