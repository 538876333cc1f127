package continuation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/continuation"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshenvelope"
	"github.com/lyzr/meshcore/meshop"
)

// blackholeTransport swallows every envelope: the remote side never
// responds, so only the alarm backstop can resolve a call.
type blackholeTransport struct{}

func (blackholeTransport) Send(ctx context.Context, target callctx.NodeIdentity, env *meshenvelope.Envelope) (*meshenvelope.ResultEnvelope, error) {
	select {}
}

// recordingTarget collects continuation deliveries.
type recordingTarget struct {
	mu  sync.Mutex
	got []interface{}
}

func (r *recordingTarget) HandleResult(v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recordingTarget) values() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interface{}, len(r.got))
	copy(out, r.got)
	return out
}

func self() callctx.NodeIdentity {
	return callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: "Caller", InstanceName: "c1"}
}

func newDispatcher(target *recordingTarget, transport meshenvelope.Transport, alarms continuation.AlarmScheduler) (*continuation.Dispatcher, *continuation.MemoryStore) {
	store := continuation.NewMemoryStore()
	return &continuation.Dispatcher{
		Transport: transport,
		Store:     store,
		Alarms:    alarms,
		Self:      self(),
		Target:    target,
		Config:    meshop.DefaultConfig(),
		NewReqID:  func() string { return "req-1" },
	}, store
}

func TestCallPersistsContinuationAndCapturesContext(t *testing.T) {
	target := &recordingTarget{}
	d, store := newDispatcher(target, blackholeTransport{}, continuation.NewMemoryAlarms(nil))

	cc := callctx.New(self())
	cc.State["marker"] = "m1"

	var reqID string
	err := callctx.RunWith(context.Background(), cc, func(ctx context.Context) error {
		var callErr error
		reqID, callErr = d.Call(ctx, callctx.NodeIdentity{BindingName: "W"}, meshop.OperationChain{}, continuation.CallOptions{
			ContinuationChain: continuation.DeliverChain("HandleResult"),
		})
		return callErr
	})
	require.NoError(t, err)

	pc, ok, err := store.Peek(context.Background(), reqID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m1", pc.CapturedContext.State["marker"])
	assert.Equal(t, self(), pc.CapturedContext.Origin())
}

func TestOneWayCallStoresNothing(t *testing.T) {
	target := &recordingTarget{}
	d, store := newDispatcher(target, blackholeTransport{}, continuation.NewMemoryAlarms(nil))

	reqID, err := d.Call(context.Background(), callctx.NodeIdentity{BindingName: "W"}, meshop.OperationChain{}, continuation.CallOptions{})
	require.NoError(t, err)

	_, ok, err := store.Peek(context.Background(), reqID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleResultRunsContinuationUnderCapturedContext(t *testing.T) {
	target := &recordingTarget{}
	d, _ := newDispatcher(target, blackholeTransport{}, continuation.NewMemoryAlarms(nil))

	cc := callctx.New(self())
	err := callctx.RunWith(context.Background(), cc, func(ctx context.Context) error {
		_, callErr := d.Call(ctx, callctx.NodeIdentity{BindingName: "W"}, meshop.OperationChain{}, continuation.CallOptions{
			ContinuationChain: continuation.DeliverChain("HandleResult"),
		})
		return callErr
	})
	require.NoError(t, err)

	require.NoError(t, d.HandleResult(context.Background(), "req-1", "the"))
	require.Len(t, target.values(), 1)
	assert.Equal(t, "the", target.values()[0])

	// Second delivery for the same reqId is a no-op.
	require.NoError(t, d.HandleResult(context.Background(), "req-1", "again"))
	assert.Len(t, target.values(), 1)
}

func TestHandleResultUnknownReqIDIsNoOp(t *testing.T) {
	target := &recordingTarget{}
	d, _ := newDispatcher(target, blackholeTransport{}, continuation.NewMemoryAlarms(nil))

	require.NoError(t, d.HandleResult(context.Background(), "missing", "v"))
	assert.Empty(t, target.values())
}

// The alarm fires first: the handler observes a TimeoutError value and the
// late real result is dropped.
func TestTimeoutWinsRace(t *testing.T) {
	target := &recordingTarget{}
	fired := make(chan string, 1)
	var d *continuation.Dispatcher
	alarms := continuation.NewMemoryAlarms(func(id, payload string) {
		_ = d.DeliverTimeout(context.Background(), id)
		fired <- id
	})
	d, _ = newDispatcher(target, blackholeTransport{}, alarms)

	_, err := d.Call(context.Background(), callctx.NodeIdentity{BindingName: "Slow"}, meshop.OperationChain{}, continuation.CallOptions{
		ContinuationChain: continuation.DeliverChain("HandleResult"),
		TimeoutMs:         20,
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm never fired")
	}

	require.Len(t, target.values(), 1)
	errVal, ok := target.values()[0].(error)
	require.True(t, ok)
	assert.True(t, mesherr.Is(errVal, mesherr.KindTimeout))

	// Real result arrives after the timeout claimed the alarm: dropped.
	require.NoError(t, d.HandleResult(context.Background(), "req-1", "late"))
	assert.Len(t, target.values(), 1)
}

// The real result arrives first: the alarm cancel wins and the timeout
// never runs.
func TestResultWinsRace(t *testing.T) {
	target := &recordingTarget{}
	var d *continuation.Dispatcher
	alarms := continuation.NewMemoryAlarms(func(id, payload string) {
		_ = d.DeliverTimeout(context.Background(), id)
	})
	d, _ = newDispatcher(target, blackholeTransport{}, alarms)

	_, err := d.Call(context.Background(), callctx.NodeIdentity{BindingName: "W"}, meshop.OperationChain{}, continuation.CallOptions{
		ContinuationChain: continuation.DeliverChain("HandleResult"),
		TimeoutMs:         5000,
	})
	require.NoError(t, err)

	require.NoError(t, d.HandleResult(context.Background(), "req-1", "fast"))
	require.Len(t, target.values(), 1)
	assert.Equal(t, "fast", target.values()[0])

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, target.values(), 1, "cancelled alarm must never deliver a timeout")
}

func TestHandleIncomingInterceptsReservedChains(t *testing.T) {
	target := &recordingTarget{}
	d, _ := newDispatcher(target, blackholeTransport{}, continuation.NewMemoryAlarms(nil))

	_, err := d.Call(context.Background(), callctx.NodeIdentity{BindingName: "W"}, meshop.OperationChain{}, continuation.CallOptions{
		ContinuationChain: continuation.DeliverChain("HandleResult"),
	})
	require.NoError(t, err)

	env := meshenvelope.BuildEnvelope(nil,
		callctx.NodeIdentity{Kind: callctx.KindStateless, BindingName: "W"},
		self(), continuation.ResultDeliveryChain("req-1", "delivered"), false)

	resp := continuation.HandleIncoming(context.Background(), d, meshenvelope.Handler{Target: target}, env)
	require.Nil(t, resp.Error)
	require.Len(t, target.values(), 1)
	assert.Equal(t, "delivered", target.values()[0])
}

func TestSubstituteAppendsWhenNoPlaceholder(t *testing.T) {
	target := &recordingTarget{}
	d, _ := newDispatcher(target, blackholeTransport{}, continuation.NewMemoryAlarms(nil))

	// Continuation authored without the result placeholder: the delivered
	// value is appended as the final argument.
	chain := meshop.Chain().Get("HandleResult").Apply().OperationChain()
	_, err := d.Call(context.Background(), callctx.NodeIdentity{BindingName: "W"}, meshop.OperationChain{}, continuation.CallOptions{
		ContinuationChain: chain,
	})
	require.NoError(t, err)

	require.NoError(t, d.HandleResult(context.Background(), "req-1", "appended"))
	require.Len(t, target.values(), 1)
	assert.Equal(t, "appended", target.values()[0])
}
