package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/orderscan/screenlink/internal/dedupe"
	"github.com/orderscan/screenlink/internal/model"
)

// Mock target registry
type mockTargets struct {
	mock.Mock
}

func (m *mockTargets) List(ctx context.Context) ([]Target, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Target), args.Error(1)
}

func (m *mockTargets) Create(ctx context.Context, url string) (Target, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(Target), args.Error(1)
}

func (m *mockTargets) Update(ctx context.Context, id, url string) (Target, error) {
	args := m.Called(ctx, id, url)
	return args.Get(0).(Target), args.Error(1)
}

func (m *mockTargets) Focus(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestResolver(targets Targets) *Resolver {
	r := New(targets, dedupe.NewCache(time.Minute, 100))
	r.now = func() time.Time { return baseTime }
	return r
}

// steppingTargets returns in-memory targets whose creation times advance one
// second per tab.
func steppingTargets() *MemoryTargets {
	mt := NewMemoryTargets()
	clock := baseTime
	mt.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return mt
}

func navigate(jobNo, url string) model.NavigateCommand {
	return model.NavigateCommand{
		TxID:      "tx-" + jobNo,
		JobNo:     jobNo,
		URL:       url,
		Exp:       baseTime.Add(30 * time.Second).UnixMilli(),
		Timestamp: baseTime.UnixMilli(),
		Nonce:     "tx-" + jobNo + ".0",
	}
}

func TestResolve_CreatesTargetWhenNoneMatch(t *testing.T) {
	targets := steppingTargets()
	r := newTestResolver(targets)

	ack := r.Resolve(context.Background(), navigate("J-1", "https://erp.local/orders/J-1"))

	assert.Equal(t, model.AckSuccess, ack.Result)
	assert.Equal(t, "tx-J-1", ack.TxID)
	assert.Equal(t, "tx-J-1.0", ack.Nonce)
	assert.Equal(t, "tab-1", ack.TabID)
	assert.Equal(t, 1, targets.Len())

	list, _ := targets.List(context.Background())
	assert.True(t, list[0].Focused)
}

func TestResolve_DuplicateJobIsNotReexecuted(t *testing.T) {
	targets := steppingTargets()
	r := newTestResolver(targets)

	first := r.Resolve(context.Background(), navigate("J-1", "https://erp.local/orders/J-1"))
	require.Equal(t, model.AckSuccess, first.Result)

	second := r.Resolve(context.Background(), navigate("J-1", "https://other.local/x"))
	assert.Equal(t, model.AckSuccess, second.Result)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Empty(t, second.TabID)
	assert.Equal(t, 1, targets.Len())

	list, _ := targets.List(context.Background())
	assert.Equal(t, "https://erp.local/orders/J-1", list[0].URL)
}

func TestResolve_ExpiredCommand(t *testing.T) {
	targets := steppingTargets()
	r := newTestResolver(targets)

	cmd := navigate("J-1", "https://erp.local/orders/J-1")
	cmd.Exp = baseTime.UnixMilli()

	ack := r.Resolve(context.Background(), cmd)
	assert.Equal(t, model.AckFailed, ack.Result)
	assert.Equal(t, ReasonExpired, ack.Reason)
	assert.Equal(t, 0, targets.Len())

	t.Run("expired job is not remembered", func(t *testing.T) {
		cmd.Exp = baseTime.Add(time.Minute).UnixMilli()
		ack := r.Resolve(context.Background(), cmd)
		assert.Equal(t, model.AckSuccess, ack.Result)
		assert.Empty(t, ack.Reason)
	})
}

func TestResolve_InvalidCommand(t *testing.T) {
	r := newTestResolver(steppingTargets())

	ack := r.Resolve(context.Background(), navigate("", "https://erp.local/a"))
	assert.Equal(t, model.AckFailed, ack.Result)
	assert.Equal(t, ReasonInvalidCommand, ack.Reason)
}

func TestResolve_ExactMatchReloads(t *testing.T) {
	targets := steppingTargets()
	ctx := context.Background()
	_, _ = targets.Create(ctx, "https://erp.local/dashboard")
	existing, _ := targets.Create(ctx, "https://erp.local/orders/J-1")

	r := newTestResolver(targets)
	ack := r.Resolve(ctx, navigate("J-1", "https://erp.local/orders/J-1"))

	assert.Equal(t, model.AckSuccess, ack.Result)
	assert.Equal(t, existing.ID, ack.TabID)
	assert.Equal(t, 2, targets.Len())
}

func TestResolve_PrefixMatchPicksOldest(t *testing.T) {
	targets := steppingTargets()
	ctx := context.Background()
	_, _ = targets.Create(ctx, "https://wiki.local/home")
	oldest, _ := targets.Create(ctx, "https://erp.local/orders/A-1")
	_, _ = targets.Create(ctx, "https://erp.local/orders/A-2")

	r := newTestResolver(targets)
	ack := r.Resolve(ctx, navigate("J-9", "https://erp.local/orders/J-9"))

	require.Equal(t, model.AckSuccess, ack.Result)
	assert.Equal(t, oldest.ID, ack.TabID)
	assert.Equal(t, 3, targets.Len())

	list, _ := targets.List(ctx)
	for _, tgt := range list {
		if tgt.ID == oldest.ID {
			assert.Equal(t, "https://erp.local/orders/J-9", tgt.URL)
			assert.True(t, tgt.Focused)
		} else {
			assert.False(t, tgt.Focused)
		}
	}
}

func TestResolve_PrefixRequiresSameHost(t *testing.T) {
	targets := steppingTargets()
	ctx := context.Background()
	_, _ = targets.Create(ctx, "https://other.local/orders/A-1")

	r := newTestResolver(targets)
	ack := r.Resolve(ctx, navigate("J-1", "https://erp.local/orders/J-1"))

	assert.Equal(t, model.AckSuccess, ack.Result)
	assert.Equal(t, 2, targets.Len())
}

func TestResolve_OrdersUnsortedListing(t *testing.T) {
	targets := new(mockTargets)
	ctx := context.Background()
	newer := Target{ID: "b", URL: "https://erp.local/orders/2", CreatedAt: baseTime.Add(time.Minute)}
	older := Target{ID: "a", URL: "https://erp.local/orders/1", CreatedAt: baseTime}

	targets.On("List", ctx).Return([]Target{newer, older}, nil)
	targets.On("Update", ctx, "a", "https://erp.local/orders/3").
		Return(Target{ID: "a", URL: "https://erp.local/orders/3", CreatedAt: baseTime}, nil)
	targets.On("Focus", ctx, "a").Return(nil)

	r := newTestResolver(targets)
	ack := r.Resolve(ctx, navigate("J-3", "https://erp.local/orders/3"))

	assert.Equal(t, "a", ack.TabID)
	targets.AssertExpectations(t)
}

func TestResolve_FocusFailureIsNotFatal(t *testing.T) {
	targets := new(mockTargets)
	ctx := context.Background()

	targets.On("List", ctx).Return([]Target{}, nil)
	targets.On("Create", ctx, "https://erp.local/orders/J-1").
		Return(Target{ID: "t1", URL: "https://erp.local/orders/J-1"}, nil)
	targets.On("Focus", ctx, "t1").Return(errors.New("window minimised"))

	r := newTestResolver(targets)
	ack := r.Resolve(ctx, navigate("J-1", "https://erp.local/orders/J-1"))

	assert.Equal(t, model.AckSuccess, ack.Result)
	assert.Equal(t, "t1", ack.TabID)
	targets.AssertExpectations(t)
}

func TestResolve_CreateFailureAllowsRetry(t *testing.T) {
	targets := new(mockTargets)
	ctx := context.Background()
	url := "https://erp.local/orders/J-1"

	targets.On("List", ctx).Return([]Target{}, nil)
	targets.On("Create", ctx, url).Return(Target{}, errors.New("browser gone")).Once()
	targets.On("Create", ctx, url).Return(Target{ID: "t1", URL: url}, nil).Once()
	targets.On("Focus", ctx, "t1").Return(nil)

	r := newTestResolver(targets)

	ack := r.Resolve(ctx, navigate("J-1", url))
	assert.Equal(t, model.AckFailed, ack.Result)
	assert.Equal(t, ReasonTargetFailed, ack.Reason)

	ack = r.Resolve(ctx, navigate("J-1", url))
	assert.Equal(t, model.AckSuccess, ack.Result)
	assert.Empty(t, ack.Reason)
	assert.Equal(t, "t1", ack.TabID)
	targets.AssertExpectations(t)
}

// panickingTargets panics on the first List and behaves normally afterwards.
type panickingTargets struct {
	*MemoryTargets
	panicked bool
}

func (p *panickingTargets) List(ctx context.Context) ([]Target, error) {
	if !p.panicked {
		p.panicked = true
		panic("boom")
	}
	return p.MemoryTargets.List(ctx)
}

func TestResolve_RecoversFromPanic(t *testing.T) {
	targets := &panickingTargets{MemoryTargets: NewMemoryTargets()}
	r := newTestResolver(targets)

	ack := r.Resolve(context.Background(), navigate("J-1", "https://erp.local/orders/J-1"))
	assert.Equal(t, model.AckFailed, ack.Result)
	assert.Equal(t, ReasonInternal, ack.Reason)
	assert.Equal(t, "tx-J-1", ack.TxID)

	// the job was not executed, so a redelivery must run it
	ack = r.Resolve(context.Background(), navigate("J-1", "https://erp.local/orders/J-1"))
	assert.Equal(t, model.AckSuccess, ack.Result)
	assert.Empty(t, ack.Reason)
	assert.NotEmpty(t, ack.TabID)
	assert.Equal(t, 1, targets.Len())
}

func TestBasePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://erp.local/orders/42?x=1", "https://erp.local/orders/"},
		{"https://erp.local/orders/", "https://erp.local/orders/"},
		{"https://erp.local", "https://erp.local/"},
		{"http://h:8080/a/b/c", "http://h:8080/a/b/"},
		{"not a url", ""},
		{"/relative/path", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, basePrefix(tt.in))
		})
	}
}

type recordingSender struct {
	mu     sync.Mutex
	events []string
	acks   []model.AckPayload
}

func (s *recordingSender) Send(eventType string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	if ack, ok := data.(model.AckPayload); ok {
		s.acks = append(s.acks, ack)
	}
	return nil
}

func TestNavigateHandler(t *testing.T) {
	r := newTestResolver(steppingTargets())
	sender := &recordingSender{}
	handle := r.NavigateHandler(sender)

	raw, err := json.Marshal(navigate("J-1", "https://erp.local/orders/J-1"))
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), raw))

	require.Len(t, sender.acks, 1)
	assert.Equal(t, model.EventAck, sender.events[0])
	assert.Equal(t, model.AckSuccess, sender.acks[0].Result)

	t.Run("undecodable payload with txId gets a failed ack", func(t *testing.T) {
		require.NoError(t, handle(context.Background(), json.RawMessage(`{"txId":"tx-x","exp":"soon"}`)))
		require.Len(t, sender.acks, 2)
		assert.Equal(t, "tx-x", sender.acks[1].TxID)
		assert.Equal(t, model.AckFailed, sender.acks[1].Result)
		assert.Equal(t, ReasonInvalidCommand, sender.acks[1].Reason)
	})

	t.Run("garbage is an error", func(t *testing.T) {
		assert.Error(t, handle(context.Background(), json.RawMessage(`[1,2`)))
		assert.Len(t, sender.acks, 2)
	})
}

func TestCommandHandler(t *testing.T) {
	r := newTestResolver(steppingTargets())
	sender := &recordingSender{}

	raw := json.RawMessage(`{"txId":"tx-1","type":"trigger","nonce":"tx-1.0","payload":{"action":"print"}}`)
	require.NoError(t, r.CommandHandler(sender)(context.Background(), raw))

	require.Len(t, sender.acks, 1)
	assert.Equal(t, "tx-1", sender.acks[0].TxID)
	assert.Equal(t, "tx-1.0", sender.acks[0].Nonce)
	assert.Equal(t, model.AckSuccess, sender.acks[0].Result)
}
