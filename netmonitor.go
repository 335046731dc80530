package tidemark

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// probeFailThreshold is how many consecutive probe transport failures are
// read as loss of connectivity. A single failed probe only degrades the
// speed estimate to unknown.
const probeFailThreshold = 2

// NetworkChange is delivered to monitor subscribers on state transitions.
type NetworkChange struct {
	Status NetworkStatus `json:"status"`
	Speed  LinkSpeed     `json:"speed"`
}

// MonitorSubscription receives network state transitions. The channel is
// bounded; when a slow consumer falls behind, the oldest event is dropped
// so the monitor never blocks.
type MonitorSubscription struct {
	id int
	ch chan NetworkChange
}

// C returns the channel carrying state transitions.
func (s *MonitorSubscription) C() <-chan NetworkChange {
	return s.ch
}

// Monitor classifies connectivity as online, offline, reconnecting, or
// slow. It holds no business data; its only side effect is notification.
//
// On regaining connectivity the monitor reports reconnecting for a settle
// window before online, so a flapping link cannot trigger sync storms.
// Link speed is estimated by a periodic round-trip probe against a
// lightweight endpoint.
type Monitor struct {
	cfg    MonitorConfig
	client *http.Client

	mu          sync.RWMutex
	state       NetworkState
	subs        map[int]*MonitorSubscription
	nextID      int
	settleTimer *time.Timer
	probeFails  int
	everProbed  bool
	running     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a network condition monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = 2 * time.Second
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 500 * time.Millisecond
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		state:  NetworkState{Status: StatusOffline, Speed: SpeedUnknown},
		subs:   make(map[int]*MonitorSubscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic probing. A first probe runs immediately.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	if m.cfg.ProbeURL == "" {
		// No probe target: state is driven solely by ReportReachable and
		// ReportUnreachable calls from the transports.
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probe()
		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.probe()
			}
		}
	}()
}

// Stop shuts the monitor down and closes all subscriptions.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	subs := m.subs
	m.subs = make(map[int]*MonitorSubscription)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	for _, sub := range subs {
		close(sub.ch)
	}
}

// State returns the current network state.
func (m *Monitor) State() NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers for state transitions.
func (m *Monitor) Subscribe() *MonitorSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &MonitorSubscription{
		id: m.nextID,
		ch: make(chan NetworkChange, m.cfg.SubscriberBuffer),
	}
	m.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Monitor) Unsubscribe(sub *MonitorSubscription) {
	m.mu.Lock()
	_, ok := m.subs[sub.id]
	if ok {
		delete(m.subs, sub.id)
	}
	m.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// probe measures one round-trip against the probe endpoint. Any response,
// including an HTTP error status, proves reachability; only a transport
// failure does not.
func (m *Monitor) probe() {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		m.probeFailed()
		return
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		m.probeFailed()
		return
	}
	resp.Body.Close()
	m.ReportReachable(time.Since(start))
}

func (m *Monitor) probeFailed() {
	m.mu.Lock()
	m.probeFails++
	fails := m.probeFails
	everProbed := m.everProbed
	m.mu.Unlock()

	if fails >= probeFailThreshold || !everProbed {
		m.ReportUnreachable()
		return
	}
	// A single miss only degrades the speed estimate; it is not offline.
	m.transition(func(st *NetworkState) {
		if st.Status != StatusOffline {
			st.Speed = SpeedUnknown
			if st.Status == StatusSlow {
				st.Status = StatusOnline
			}
		}
	})
}

// ReportReachable feeds a successful round-trip into the monitor. The
// remote transports call this on successful requests so connectivity
// recovers without waiting for the next probe tick.
func (m *Monitor) ReportReachable(rtt time.Duration) {
	speed := SpeedFast
	if rtt >= m.cfg.SlowThreshold {
		speed = SpeedSlow
	}

	m.mu.Lock()
	m.probeFails = 0
	m.everProbed = true
	m.mu.Unlock()

	m.transition(func(st *NetworkState) {
		st.Speed = speed
		st.LastOnlineAt = time.Now()
		switch st.Status {
		case StatusOffline:
			// Not online yet: hold in reconnecting for the settle window.
			st.Status = StatusReconnecting
			m.scheduleSettle()
		case StatusReconnecting:
			// Stay in the settle window.
		default:
			if speed == SpeedSlow {
				st.Status = StatusSlow
			} else {
				st.Status = StatusOnline
			}
		}
	})
}

// ReportUnreachable feeds a transport failure into the monitor.
func (m *Monitor) ReportUnreachable() {
	m.mu.Lock()
	m.everProbed = true
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.mu.Unlock()

	m.transition(func(st *NetworkState) {
		st.Status = StatusOffline
		st.Speed = SpeedUnknown
	})
}

// scheduleSettle promotes reconnecting to online (or slow) once the settle
// window elapses without another drop. Called with m.mu held (from inside
// a transition mutator).
func (m *Monitor) scheduleSettle() {
	if m.settleTimer != nil {
		m.settleTimer.Stop()
	}
	m.settleTimer = time.AfterFunc(m.cfg.SettleWindow, func() {
		m.transition(func(st *NetworkState) {
			if st.Status != StatusReconnecting {
				return
			}
			if st.Speed == SpeedSlow {
				st.Status = StatusSlow
			} else {
				st.Status = StatusOnline
			}
		})
	})
}

// transition applies a state mutation and publishes the result to
// subscribers when it changed.
func (m *Monitor) transition(mutate func(*NetworkState)) {
	m.mu.Lock()
	before := m.state
	mutate(&m.state)
	after := m.state
	var targets []*MonitorSubscription
	if after.Status != before.Status || after.Speed != before.Speed {
		targets = make([]*MonitorSubscription, 0, len(m.subs))
		for _, sub := range m.subs {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	if targets == nil {
		return
	}
	ev := NetworkChange{Status: after.Status, Speed: after.Speed}
	for _, sub := range targets {
		deliverDropOldest(sub.ch, ev)
	}
}

// deliverDropOldest enqueues an event, evicting the oldest queued event
// if the subscriber's buffer is full. The publisher never blocks.
func deliverDropOldest[T any](ch chan T, ev T) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
