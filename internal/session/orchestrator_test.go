package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pastecall/internal/config"
	"github.com/1ureka/pastecall/internal/media"
	"github.com/1ureka/pastecall/internal/negotiator"
	"github.com/1ureka/pastecall/internal/signaling"
	webrtcpkg "github.com/1ureka/pastecall/internal/webrtc"
)

// testConfig returns a configuration for two peers on the same host.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.ICEServers = nil
	cfg.IncludeLoopback = true
	cfg.GatherTimeout = 3 * time.Second
	cfg.SettleDelay = 50 * time.Millisecond
	return cfg
}

// countingFactory creates real loopback PeerConnections, counts them and
// keeps them in creation order.
type countingFactory struct {
	calls   atomic.Int32
	factory *webrtcpkg.Factory

	mu  sync.Mutex
	pcs []*webrtc.PeerConnection
}

func (c *countingFactory) NewPeerConnection() (*webrtc.PeerConnection, error) {
	c.calls.Add(1)
	pc, err := c.factory.NewPeerConnection()
	if err == nil {
		c.mu.Lock()
		c.pcs = append(c.pcs, pc)
		c.mu.Unlock()
	}
	return pc, err
}

func (c *countingFactory) created(i int) *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pcs[i]
}

func newTestOrchestrator(t *testing.T, src media.Source, tweaks ...func(*Options)) (*Orchestrator, *countingFactory) {
	t.Helper()

	cfg := testConfig()
	f, err := webrtcpkg.NewFactory(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cf := &countingFactory{factory: f}

	opts := Options{Config: cfg, NewPeerConnection: cf.NewPeerConnection, Media: src}
	for _, tweak := range tweaks {
		tweak(&opts)
	}

	o, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { o.Close() })
	return o, cf
}

// eventLog records every event an orchestrator raises.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func record(o *Orchestrator) *eventLog {
	l := &eventLog{}
	o.Subscribe(func(e Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) waitFor(t *testing.T, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range l.all() {
			if match(e) {
				return e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event not observed within %s; got %v", timeout, kinds(l.all()))
	return Event{}
}

func (l *eventLog) waitKind(t *testing.T, timeout time.Duration, k EventKind) Event {
	t.Helper()
	return l.waitFor(t, timeout, func(e Event) bool { return e.Kind == k })
}

func (l *eventLog) waitState(t *testing.T, timeout time.Duration, s State) Event {
	t.Helper()
	return l.waitFor(t, timeout, func(e Event) bool {
		return e.Kind == EventStateChanged && e.Session.State == s
	})
}

func kinds(events []Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == EventStateChanged {
			out = append(out, "state:"+e.Session.State.String())
			continue
		}
		out = append(out, e.Kind.String())
	}
	return out
}

// checkSequencing verifies media negotiation never started before the
// control channel was open.
func checkSequencing(t *testing.T, name string, events []Event) {
	t.Helper()
	controlOpened := false
	for _, e := range events {
		if e.Kind == EventControlOpened {
			controlOpened = true
		}
		if e.Kind == EventStateChanged && e.Session.State == StateMediaNegotiating {
			if !controlOpened {
				t.Errorf("%s: media negotiation started before control-opened", name)
			}
			if e.Session.Control != negotiator.StateOpen {
				t.Errorf("%s: media negotiation started with control %s", name, e.Session.Control)
			}
		}
	}
}

// TestScenarioA runs a full session between two loopback peers.
func TestScenarioA(t *testing.T) {
	offerer, offererPCs := newTestOrchestrator(t, media.Synthetic{FrameInterval: 20 * time.Millisecond})
	answerer, answererPCs := newTestOrchestrator(t, nil)
	offererLog, answererLog := record(offerer), record(answerer)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	offer, err := offerer.BecomeInitiator(ctx)
	if err != nil {
		t.Fatalf("BecomeInitiator: %v", err)
	}
	if got := offerer.Snapshot(); got.Role != config.RoleInitiator || got.State != StateControlNegotiating {
		t.Fatalf("initiator snapshot = %+v", got)
	}

	answer, err := answerer.BecomeResponder(ctx, offer)
	if err != nil {
		t.Fatalf("BecomeResponder: %v", err)
	}
	if err := offerer.ApplyAnswer(ctx, answer); err != nil {
		t.Fatalf("ApplyAnswer: %v", err)
	}

	offererLog.waitKind(t, 15*time.Second, EventControlOpened)
	answererLog.waitKind(t, 15*time.Second, EventControlOpened)

	offererLog.waitState(t, 20*time.Second, StateConnected)
	answererLog.waitState(t, 20*time.Second, StateConnected)
	offererLog.waitKind(t, time.Second, EventMediaConnected)
	answererLog.waitKind(t, time.Second, EventMediaOfferReceived)

	track := answererLog.waitKind(t, 10*time.Second, EventRemoteTrack)
	if track.Track == nil {
		t.Error("remote track event without a track")
	}

	// One control and one media PeerConnection per side, created by the
	// orchestrator on its own.
	if n := offererPCs.calls.Load(); n != 2 {
		t.Errorf("initiator created %d peer connections, want 2", n)
	}
	if n := answererPCs.calls.Load(); n != 2 {
		t.Errorf("responder created %d peer connections, want 2", n)
	}

	checkSequencing(t, "initiator", offererLog.all())
	checkSequencing(t, "responder", answererLog.all())

	// Closing one side hangs up the other.
	if err := offerer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	answererLog.waitKind(t, 10*time.Second, EventHungUp)
	answererLog.waitState(t, 5*time.Second, StateIdle)

	if got := offerer.Snapshot().State; got != StateClosed {
		t.Errorf("initiator state = %s, want closed", got)
	}
	if got := answerer.Snapshot(); got.State != StateIdle || got.Role != config.RoleNone {
		t.Errorf("responder snapshot = %+v, want idle with no role", got)
	}
}

// TestScenarioB: a responder given an answer envelope stays Idle and
// creates nothing.
func TestScenarioB(t *testing.T) {
	var calls atomic.Int32
	o, err := New(Options{
		Config: testConfig(),
		NewPeerConnection: func() (*webrtc.PeerConnection, error) {
			calls.Add(1)
			return nil, errors.New("must not be called")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	answerEnv, err := signaling.Encode(signaling.Payload{Kind: signaling.KindAnswer, SDP: "v=0\r\n"})
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name string
		env  signaling.Envelope
		want error
	}{
		{"answer instead of offer", answerEnv, signaling.ErrPayloadTypeMismatch},
		{"garbage", "definitely not base64!", signaling.ErrInvalidEnvelope},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.BecomeResponder(context.Background(), tc.env)
			if !errors.Is(err, tc.want) {
				t.Fatalf("BecomeResponder error = %v, want %v", err, tc.want)
			}
			snap := o.Snapshot()
			if snap.State != StateIdle || snap.Role != config.RoleNone {
				t.Errorf("snapshot = %+v, want idle with no role", snap)
			}
		})
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("peer connection factory called %d times, want 0", n)
	}
}

func TestBusyGuard(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	o, err := New(Options{
		Config: testConfig(),
		NewPeerConnection: func() (*webrtc.PeerConnection, error) {
			close(entered)
			<-release
			return nil, errors.New("no network")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()
	log := record(o)

	done := make(chan error, 1)
	go func() {
		_, err := o.BecomeInitiator(context.Background())
		done <- err
	}()
	<-entered

	if !o.IsBusy() {
		t.Error("IsBusy = false during BecomeInitiator")
	}
	if _, err := o.BecomeInitiator(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second BecomeInitiator = %v, want ErrBusy", err)
	}
	if _, err := o.BecomeResponder(context.Background(), "x"); !errors.Is(err, ErrBusy) {
		t.Errorf("BecomeResponder = %v, want ErrBusy", err)
	}
	if err := o.ApplyAnswer(context.Background(), "x"); !errors.Is(err, ErrBusy) {
		t.Errorf("ApplyAnswer = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("BecomeInitiator = %v, want ErrNegotiationFailed", err)
	}
	if o.IsBusy() {
		t.Error("IsBusy = true after the operation returned")
	}

	snap := o.Snapshot()
	if snap.State != StateFailed || snap.LastError == nil {
		t.Errorf("snapshot = %+v, want failed with an error", snap)
	}
	failed := log.waitKind(t, time.Second, EventFailed)
	if !errors.Is(failed.Err, ErrNegotiationFailed) {
		t.Errorf("failed event error = %v", failed.Err)
	}

	// Failed requires an explicit reset.
	if _, err := o.BecomeInitiator(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("BecomeInitiator while failed = %v, want ErrInvalidState", err)
	}
	if err := o.Reset(); err != nil {
		t.Fatal(err)
	}
	if snap := o.Snapshot(); snap.State != StateIdle || snap.LastError != nil {
		t.Errorf("snapshot after reset = %+v", snap)
	}
}

// TestSettleDelayGatesMediaOffer holds the initiator's clock still after the
// control channel opens: no media PeerConnection or offer may appear until
// the delay has elapsed on that clock.
func TestSettleDelayGatesMediaOffer(t *testing.T) {
	mock := clock.NewMock()
	stopClock := make(chan struct{})
	t.Cleanup(func() { close(stopClock) })

	offerer, offererPCs := newTestOrchestrator(t, nil, func(o *Options) {
		o.Clock = mock
		o.Config.SettleDelay = time.Second
	})
	answerer, answererPCs := newTestOrchestrator(t, nil)

	// Runs before the Close cleanups: keep the mock clock moving so the
	// bye drain wait in Close can time out.
	t.Cleanup(func() {
		go func() {
			for {
				select {
				case <-stopClock:
					return
				default:
					mock.Add(100 * time.Millisecond)
					time.Sleep(time.Millisecond)
				}
			}
		}()
	})
	offererLog, answererLog := record(offerer), record(answerer)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	offer, err := offerer.BecomeInitiator(ctx)
	if err != nil {
		t.Fatalf("BecomeInitiator: %v", err)
	}
	answer, err := answerer.BecomeResponder(ctx, offer)
	if err != nil {
		t.Fatalf("BecomeResponder: %v", err)
	}
	if err := offerer.ApplyAnswer(ctx, answer); err != nil {
		t.Fatalf("ApplyAnswer: %v", err)
	}

	offererLog.waitKind(t, 15*time.Second, EventControlOpened)
	answererLog.waitKind(t, 15*time.Second, EventControlOpened)

	// Real time passes, the mock clock does not.
	time.Sleep(300 * time.Millisecond)

	if n := offererPCs.calls.Load(); n != 1 {
		t.Errorf("initiator created %d peer connections before the delay, want 1", n)
	}
	if n := answererPCs.calls.Load(); n != 1 {
		t.Errorf("responder created %d peer connections before the delay, want 1", n)
	}
	if s := offerer.Snapshot().State; s != StateControlOpen {
		t.Errorf("initiator state before the delay = %s, want control-open", s)
	}
	for _, e := range answererLog.all() {
		if e.Kind == EventMediaOfferReceived {
			t.Fatal("media offer received before the settle delay elapsed")
		}
	}

	deadline := time.Now().Add(20 * time.Second)
	for offerer.Snapshot().State != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("initiator never connected; events %v", kinds(offererLog.all()))
		}
		mock.Add(time.Second)
		time.Sleep(50 * time.Millisecond)
	}
	answererLog.waitState(t, 20*time.Second, StateConnected)

	if n := offererPCs.calls.Load(); n != 2 {
		t.Errorf("initiator created %d peer connections, want 2", n)
	}
	checkSequencing(t, "initiator", offererLog.all())
	checkSequencing(t, "responder", answererLog.all())
}

// TestControlFailureRequiresReset closes the control PeerConnection before
// it connects. The session must fail, report it, and refuse new work until
// Reset.
func TestControlFailureRequiresReset(t *testing.T) {
	o, pcs := newTestOrchestrator(t, nil)
	log := record(o)
	ctx := context.Background()

	offer, err := o.BecomeInitiator(ctx)
	if err != nil {
		t.Fatalf("BecomeInitiator: %v", err)
	}

	if err := pcs.created(0).Close(); err != nil {
		t.Fatalf("closing control peer connection: %v", err)
	}

	failed := log.waitKind(t, 10*time.Second, EventFailed)
	if !errors.Is(failed.Err, ErrNegotiationFailed) && !errors.Is(failed.Err, ErrControlLost) {
		t.Errorf("failed event error = %v, want a control failure", failed.Err)
	}
	log.waitState(t, time.Second, StateFailed)

	snap := o.Snapshot()
	if snap.State != StateFailed || snap.LastError == nil || snap.Role != config.RoleInitiator {
		t.Errorf("snapshot = %+v, want failed initiator with an error", snap)
	}

	if _, err := o.BecomeInitiator(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("BecomeInitiator while failed = %v, want ErrInvalidState", err)
	}
	if _, err := o.BecomeResponder(ctx, offer); !errors.Is(err, ErrInvalidState) {
		t.Errorf("BecomeResponder while failed = %v, want ErrInvalidState", err)
	}

	if err := o.Reset(); err != nil {
		t.Fatal(err)
	}
	if snap := o.Snapshot(); snap.State != StateIdle || snap.LastError != nil || snap.Role != config.RoleNone {
		t.Errorf("snapshot after reset = %+v", snap)
	}
	if _, err := o.BecomeInitiator(ctx); err != nil {
		t.Fatalf("BecomeInitiator after reset: %v", err)
	}
	if n := pcs.calls.Load(); n != 2 {
		t.Errorf("peer connections created = %d, want 2", n)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	o, err := New(Options{Config: testConfig()})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := o.Reset(); err != nil {
			t.Fatalf("Reset #%d: %v", i+1, err)
		}
		if s := o.Snapshot().State; s != StateIdle {
			t.Fatalf("state after Reset #%d = %s, want idle", i+1, s)
		}
	}

	for i := 0; i < 2; i++ {
		if err := o.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
		if s := o.Snapshot().State; s != StateClosed {
			t.Fatalf("state after Close #%d = %s, want closed", i+1, s)
		}
	}

	if err := o.Reset(); err != nil {
		t.Fatalf("Reset after Close: %v", err)
	}
	if s := o.Snapshot().State; s != StateClosed {
		t.Errorf("Reset reopened a closed session: %s", s)
	}
	if _, err := o.BecomeInitiator(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("BecomeInitiator after Close = %v, want ErrClosed", err)
	}
}

// TestResetMidNegotiation tears down a pending offer and starts over.
func TestResetMidNegotiation(t *testing.T) {
	o, pcs := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if _, err := o.BecomeInitiator(ctx); err != nil {
		t.Fatalf("BecomeInitiator: %v", err)
	}
	if err := o.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := o.Reset(); err != nil {
		t.Fatal(err)
	}

	snap := o.Snapshot()
	if snap.State != StateIdle || snap.Role != config.RoleNone || snap.Control != negotiator.StateNew {
		t.Errorf("snapshot after reset = %+v", snap)
	}

	if _, err := o.BecomeInitiator(ctx); err != nil {
		t.Fatalf("BecomeInitiator after reset: %v", err)
	}
	if n := pcs.calls.Load(); n != 2 {
		t.Errorf("peer connections created = %d, want 2", n)
	}

	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	if s := o.Snapshot().State; s != StateClosed {
		t.Errorf("state = %s, want closed", s)
	}
}

func TestApplyAnswerValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if err := o.ApplyAnswer(ctx, "x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ApplyAnswer while idle = %v, want ErrInvalidState", err)
	}

	offer, err := o.BecomeInitiator(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := o.ApplyAnswer(ctx, offer); !errors.Is(err, signaling.ErrPayloadTypeMismatch) {
		t.Errorf("ApplyAnswer(offer) = %v, want ErrPayloadTypeMismatch", err)
	}
	if err := o.ApplyAnswer(ctx, "%%%"); !errors.Is(err, signaling.ErrInvalidEnvelope) {
		t.Errorf("ApplyAnswer(garbage) = %v, want ErrInvalidEnvelope", err)
	}
	if s := o.Snapshot().State; s != StateControlNegotiating {
		t.Errorf("state = %s, want control-negotiating", s)
	}

	if _, err := o.BecomeResponder(ctx, offer); !errors.Is(err, ErrInvalidState) {
		t.Errorf("BecomeResponder while initiator = %v, want ErrInvalidState", err)
	}
}

func TestCompactEnvelopes(t *testing.T) {
	cfg := testConfig()
	cfg.Compact = true
	o, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	offer, err := o.BecomeInitiator(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(offer) == 0 || offer[0] != '~' {
		t.Errorf("offer is not a compact envelope")
	}
	if _, err := signaling.Decode(offer, signaling.KindOffer); err != nil {
		t.Errorf("compact offer does not decode: %v", err)
	}
}

func TestSubscribeCancel(t *testing.T) {
	o, err := New(Options{Config: testConfig()})
	if err != nil {
		t.Fatal(err)
	}

	var count atomic.Int32
	cancel := o.Subscribe(func(Event) { count.Add(1) })
	log := record(o)
	cancel()
	cancel()

	o.Close()
	log.waitState(t, time.Second, StateClosed)
	if n := count.Load(); n != 0 {
		t.Errorf("cancelled subscriber received %d events", n)
	}
}

// TestSubscriberMayCallBack verifies events are delivered outside internal
// locks.
func TestSubscriberMayCallBack(t *testing.T) {
	o, err := New(Options{Config: testConfig()})
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan State, 4)
	o.Subscribe(func(e Event) {
		got <- o.Snapshot().State
		o.Reset()
	})
	o.Close()

	select {
	case s := <-got:
		if s != StateClosed {
			t.Errorf("snapshot inside callback = %s, want closed", s)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not called")
	}
}
