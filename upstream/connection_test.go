package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/health"
	"github.com/c360/chatrelay/message"
	"github.com/c360/chatrelay/metric"
	"github.com/c360/chatrelay/pkg/buffer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []string
	pings  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, string(data))
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Ping() error {
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) OnHeartbeat(func()) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeConn) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	conns chan *fakeConn
	dials atomic.Int64
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial happened")
		return nil
	}
}

type fakeProvisioner struct {
	calls atomic.Int64
	// errs are returned by the first len(errs) calls
	errs []error
}

func (p *fakeProvisioner) OpenConnection(context.Context) (string, error) {
	n := p.calls.Add(1)
	if int(n) <= len(p.errs) {
		return "", p.errs[n-1]
	}
	return "wss://example.invalid/link?ticket=abc", nil
}

func testConfig() Config {
	return Config{
		BackoffFloor: 5 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
		Jitter:       0.2,
		PingInterval: time.Hour,
		IdleTimeout:  time.Hour,
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

type harness struct {
	conn   *Connection
	dialer *fakeDialer
	prov   *fakeProvisioner
	queue  buffer.Queue[*message.Envelope]
}

func startHarness(t *testing.T, cfg Config, prov *fakeProvisioner, opts ...Option) *harness {
	t.Helper()
	if prov == nil {
		prov = &fakeProvisioner{}
	}
	q, err := buffer.NewUnbounded[*message.Envelope]()
	require.NoError(t, err)
	d := newFakeDialer()

	c, err := NewConnection(cfg, prov, q, nil, append([]Option{WithDialer(d)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, c.Stop(2*time.Second))
		_ = q.Close()
	})
	return &harness{conn: c, dialer: d, prov: prov, queue: q}
}

func (h *harness) pop(t *testing.T) *message.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := h.queue.Pop(ctx)
	require.NoError(t, err)
	return env
}

const helloFrame = `{"type":"hello","num_connections":1,"connection_info":{"app_id":"A1"},"debug_info":{"approximate_connection_time":3600}}`

func eventFrame(id, text string) []byte {
	return []byte(`{"envelope_id":"` + id + `","type":"events_api","accepts_response_payload":false,"payload":{"team_id":"T1","event_id":"Ev1","type":"event_callback","event":{"type":"message","user":"U1","text":"` + text + `","channel":"C1","ts":"1700000000.000100"}}}`)
}

func TestConnection_HelloThenEventIsAckedAndQueued(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	fc := h.dialer.next(t)

	fc.in <- []byte(helloFrame)
	fc.in <- eventFrame("e-1", "hi")

	env := h.pop(t)
	assert.Equal(t, message.EnvelopeEventsAPI, env.Type)
	assert.Equal(t, "e-1", env.ID)
	inner, err := env.Event.Inner()
	require.NoError(t, err)
	assert.Equal(t, "hi", inner.Text)

	assert.Equal(t, []string{`{"envelope_id":"e-1"}`}, fc.Writes())
	assert.Equal(t, StateOpen, h.conn.State())

	st := h.conn.Stats()
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, int64(2), st.EnvelopesReceived)
	assert.Equal(t, int64(1), st.AcksSent)
	assert.Equal(t, int64(1), st.EventsQueued)
}

// orderingQueue checks the ack is on the wire before the event is visible.
type orderingQueue struct {
	buffer.Queue[*message.Envelope]
	conn     func() *fakeConn
	ackFirst atomic.Bool
	pushed   chan struct{}
}

func (q *orderingQueue) Push(env *message.Envelope) error {
	want := `{"envelope_id":"` + env.ID + `"}`
	for _, w := range q.conn().Writes() {
		if w == want {
			q.ackFirst.Store(true)
		}
	}
	close(q.pushed)
	return q.Queue.Push(env)
}

func TestConnection_AckPrecedesProcessing(t *testing.T) {
	inner, err := buffer.NewUnbounded[*message.Envelope]()
	require.NoError(t, err)
	defer inner.Close()

	d := newFakeDialer()
	var (
		mu      sync.Mutex
		current *fakeConn
	)
	q := &orderingQueue{
		Queue:  inner,
		pushed: make(chan struct{}),
		conn: func() *fakeConn {
			mu.Lock()
			defer mu.Unlock()
			return current
		},
	}

	c, err := NewConnection(testConfig(), &fakeProvisioner{}, q, nil, WithDialer(d))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(2 * time.Second)

	fc := d.next(t)
	mu.Lock()
	current = fc
	mu.Unlock()
	fc.in <- eventFrame("e-42", "x")

	select {
	case <-q.pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not queued")
	}
	assert.True(t, q.ackFirst.Load(), "ack must be written before the event is queued")
}

func TestConnection_KeepAliveFramesIgnored(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	fc := h.dialer.next(t)

	fc.in <- []byte("Ping from ip-10-0-0-1")
	fc.in <- eventFrame("e-2", "after ping")

	env := h.pop(t)
	assert.Equal(t, "e-2", env.ID)
	assert.Equal(t, []string{`{"envelope_id":"e-2"}`}, fc.Writes())
	assert.Equal(t, int64(1), h.conn.Stats().EnvelopesReceived)
}

func TestConnection_MalformedEnvelopeStillAcked(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	fc := h.dialer.next(t)

	fc.in <- []byte(`{"envelope_id":"bad-1","type":"events_api"}`)
	fc.in <- []byte(`not json`)
	fc.in <- eventFrame("e-3", "ok")

	env := h.pop(t)
	assert.Equal(t, "e-3", env.ID)
	assert.Equal(t, []string{`{"envelope_id":"bad-1"}`, `{"envelope_id":"e-3"}`}, fc.Writes())
	assert.Equal(t, 0, h.queue.Len())
}

func TestConnection_UnknownEnvelopeAckedNotQueued(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	fc := h.dialer.next(t)

	fc.in <- []byte(`{"envelope_id":"i-1","type":"interactive","payload":{}}`)
	fc.in <- eventFrame("e-4", "ok")

	env := h.pop(t)
	assert.Equal(t, "e-4", env.ID)
	assert.Equal(t, []string{`{"envelope_id":"i-1"}`, `{"envelope_id":"e-4"}`}, fc.Writes())
}

func TestConnection_DisconnectReconnectsWithFreshURL(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	first := h.dialer.next(t)

	first.in <- []byte(`{"type":"disconnect","reason":"refresh_requested"}`)

	second := h.dialer.next(t)
	assert.True(t, first.isClosed())
	assert.Equal(t, int64(2), h.prov.calls.Load())

	second.in <- eventFrame("e-5", "again")
	assert.Equal(t, "e-5", h.pop(t).ID)
	assert.Equal(t, uint64(2), h.conn.Stats().Generation)
	assert.Equal(t, int64(1), h.conn.Stats().Reconnects)
}

func TestConnection_DisconnectHonorsRetryAfter(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	first := h.dialer.next(t)

	start := time.Now()
	first.in <- []byte(`{"type":"disconnect","reason":"warning","retry_after":1}`)

	h.dialer.next(t)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestConnection_TransportErrorReconnects(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	first := h.dialer.next(t)

	_ = first.Close()

	second := h.dialer.next(t)
	second.in <- eventFrame("e-6", "back")
	assert.Equal(t, "e-6", h.pop(t).ID)
	assert.Equal(t, StateOpen, h.conn.State())
}

func TestConnection_IdleWatchdogForcesReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 60 * time.Millisecond
	h := startHarness(t, cfg, nil)

	first := h.dialer.next(t)
	second := h.dialer.next(t)

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
}

func TestConnection_InboundTrafficKeepsSessionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	h := startHarness(t, cfg, nil)
	fc := h.dialer.next(t)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		fc.in <- []byte("Ping from test")
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, int64(1), h.dialer.dials.Load())
	assert.False(t, fc.isClosed())
}

func TestConnection_PeriodicPing(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	h := startHarness(t, cfg, nil)
	fc := h.dialer.next(t)

	require.Eventually(t, func() bool { return fc.Pings() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnection_TransientProvisioningRetries(t *testing.T) {
	prov := &fakeProvisioner{errs: []error{
		errors.WrapTransient(errors.ErrConnectionTimeout, "slackapi", "apps.connections.open", "send request"),
		errors.WrapTransient(errors.ErrConnectionTimeout, "slackapi", "apps.connections.open", "send request"),
	}}
	h := startHarness(t, testConfig(), prov)

	h.dialer.next(t)
	assert.Equal(t, int64(3), prov.calls.Load())
	require.Eventually(t, func() bool { return h.conn.State() == StateOpen }, time.Second, 5*time.Millisecond)
	assert.True(t, h.conn.Health().IsHealthy())
}

func TestConnection_FatalProvisioningAtStartupStops(t *testing.T) {
	prov := &fakeProvisioner{errs: []error{
		errors.WrapFatal(errors.ErrInvalidConfig, "slackapi", "apps.connections.open", "invalid_auth"),
	}}
	h := startHarness(t, testConfig(), prov)

	select {
	case <-h.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor should exit after fatal startup failure")
	}
	assert.Equal(t, int64(1), prov.calls.Load())
	assert.Equal(t, int64(0), h.dialer.dials.Load())
	assert.Equal(t, StateDisconnected, h.conn.State())

	st := h.conn.Health()
	assert.Equal(t, health.StatusUnhealthy, st.Status)
	assert.Equal(t, "disconnected", st.Details["state"])
}

func TestConnection_StartTwice(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	h.dialer.next(t)
	assert.ErrorIs(t, h.conn.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestConnection_StopClosesSession(t *testing.T) {
	q, err := buffer.NewUnbounded[*message.Envelope]()
	require.NoError(t, err)
	defer q.Close()
	d := newFakeDialer()

	c, err := NewConnection(testConfig(), &fakeProvisioner{}, q, nil, WithDialer(d))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	fc := d.next(t)

	require.NoError(t, c.Stop(time.Second))
	assert.True(t, fc.isClosed())
	assert.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Stop(time.Second))
}

func TestConnection_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	h := startHarness(t, testConfig(), nil, WithMetrics(reg))
	fc := h.dialer.next(t)

	fc.in <- eventFrame("e-7", "m")
	h.pop(t)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), values["chatrelay_upstream_acks_sent_total"])
	assert.Equal(t, float64(1), values["chatrelay_upstream_envelopes_received_total"])
	assert.Equal(t, float64(StateOpen), values["chatrelay_upstream_state"])
}

func TestNewConnection_Validation(t *testing.T) {
	q, err := buffer.NewUnbounded[*message.Envelope]()
	require.NoError(t, err)
	defer q.Close()

	cfg := testConfig()
	cfg.Jitter = 1.5
	_, err = NewConnection(cfg, &fakeProvisioner{}, q, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewConnection(testConfig(), nil, q, nil)
	assert.Error(t, err)
}

func TestConnection_GorillaSocketEndToEnd(t *testing.T) {
	acks := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_ = ws.WriteMessage(websocket.TextMessage, []byte(helloFrame))
		_ = ws.WriteMessage(websocket.TextMessage, eventFrame("e-ws", "over the wire"))

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			acks <- string(data)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	q, err := buffer.NewUnbounded[*message.Envelope]()
	require.NoError(t, err)
	defer q.Close()

	c, err := NewConnection(testConfig(), provisionerFunc(func(context.Context) (string, error) {
		return wsURL, nil
	}), q, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e-ws", env.ID)

	select {
	case ack := <-acks:
		var decoded message.Ack
		require.NoError(t, json.Unmarshal([]byte(ack), &decoded))
		assert.Equal(t, "e-ws", decoded.EnvelopeID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the ack")
	}

	require.NoError(t, c.Stop(2*time.Second))
}

type provisionerFunc func(context.Context) (string, error)

func (f provisionerFunc) OpenConnection(ctx context.Context) (string, error) {
	return f(ctx)
}

func TestConnection_OpenResetsBackoffToFloor(t *testing.T) {
	cfg := testConfig()
	transient := errors.WrapTransient(errors.ErrConnectionTimeout, "slackapi", "apps.connections.open", "send request")

	release := make(chan struct{})
	var calls atomic.Int64
	prov := provisionerFunc(func(ctx context.Context) (string, error) {
		if calls.Add(1) <= 3 {
			return "", transient
		}
		select {
		case <-release:
			return "wss://example.invalid/link?ticket=ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	q, err := buffer.NewUnbounded[*message.Envelope]()
	require.NoError(t, err)
	defer q.Close()
	d := newFakeDialer()

	c, err := NewConnection(cfg, prov, q, nil, WithDialer(d))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(2 * time.Second)

	// three failures double 5ms -> 10ms -> 20ms, held at the cap
	require.Eventually(t, func() bool { return calls.Load() == 4 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, cfg.BackoffCap, c.backoff.Interval())

	close(release)
	d.next(t)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, time.Second, time.Millisecond)
	assert.Equal(t, cfg.BackoffFloor, c.backoff.Interval())
	assert.Equal(t, int64(3), c.Stats().Reconnects)
}

func TestReadLoop_TransportFailureIsConnectionLost(t *testing.T) {
	q, err := buffer.NewUnbounded[*message.Envelope]()
	require.NoError(t, err)
	defer q.Close()

	c, err := NewConnection(testConfig(), &fakeProvisioner{}, q, nil)
	require.NoError(t, err)

	fc := newFakeConn()
	sess := newSession(1, fc, time.Now())
	_ = fc.Close()
	c.readLoop(sess)

	cause := <-sess.ended
	assert.Equal(t, causeTransport, cause.kind)
	assert.ErrorIs(t, cause.err, errors.ErrConnectionLost)
	assert.ErrorIs(t, cause.err, errFakeClosed)
	assert.Equal(t, errors.ErrorTransient, errors.Classify(cause.err))
}

func TestConnection_InvalidAuthAtStartupCountsAsFatal(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	// apps.connections.open contains "connection" but the sentinel decides
	rejected := fmt.Errorf("slack apps.connections.open: invalid_auth: %w", errors.ErrInvalidConfig)
	prov := &fakeProvisioner{errs: []error{rejected}}
	h := startHarness(t, testConfig(), prov, WithMetrics(reg))

	select {
	case <-h.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor should exit after fatal startup failure")
	}
	errs := reg.CoreMetrics().ErrorsTotal
	assert.Equal(t, float64(1), testutil.ToFloat64(errs.WithLabelValues("upstream", "fatal")))
	assert.Equal(t, float64(0), testutil.ToFloat64(errs.WithLabelValues("upstream", "transient")))
}
