package tidemark

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestMonitor(t *testing.T, cfg MonitorConfig) *Monitor {
	t.Helper()
	if cfg.SettleWindow == 0 {
		cfg.SettleWindow = 10 * time.Millisecond
	}
	m := NewMonitor(cfg)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func waitForStatus(t *testing.T, m *Monitor, want NetworkStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State().Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", m.State().Status, want)
}

func TestMonitorStartsOffline(t *testing.T) {
	m := newTestMonitor(t, MonitorConfig{})
	if st := m.State(); st.Status != StatusOffline || st.Speed != SpeedUnknown {
		t.Errorf("initial state = %+v", st)
	}
}

func TestMonitorSettleWindowBeforeOnline(t *testing.T) {
	m := newTestMonitor(t, MonitorConfig{SettleWindow: 20 * time.Millisecond})

	m.ReportReachable(10 * time.Millisecond)
	// Connectivity just returned: reconnecting, not online, until the
	// settle window passes without another drop.
	if st := m.State(); st.Status != StatusReconnecting {
		t.Fatalf("status right after recovery = %s, want reconnecting", st.Status)
	}
	waitForStatus(t, m, StatusOnline)
}

func TestMonitorFlappingLinkStaysReconnecting(t *testing.T) {
	m := newTestMonitor(t, MonitorConfig{SettleWindow: 50 * time.Millisecond})

	m.ReportReachable(time.Millisecond)
	m.ReportUnreachable()
	if st := m.State(); st.Status != StatusOffline {
		t.Fatalf("status after drop = %s, want offline", st.Status)
	}
	// The aborted settle window must not later promote to online.
	time.Sleep(80 * time.Millisecond)
	if st := m.State(); st.Status != StatusOffline {
		t.Errorf("cancelled settle window fired: %s", st.Status)
	}
}

func TestMonitorSlowClassification(t *testing.T) {
	m := newTestMonitor(t, MonitorConfig{
		SettleWindow:  5 * time.Millisecond,
		SlowThreshold: 100 * time.Millisecond,
	})

	m.ReportReachable(300 * time.Millisecond)
	waitForStatus(t, m, StatusSlow)
	if m.State().Speed != SpeedSlow {
		t.Errorf("speed = %s, want slow", m.State().Speed)
	}

	// A fast round-trip upgrades the settled link.
	m.ReportReachable(10 * time.Millisecond)
	if st := m.State(); st.Status != StatusOnline || st.Speed != SpeedFast {
		t.Errorf("state after fast rtt = %+v", st)
	}
}

func TestMonitorSubscriberSeesTransitions(t *testing.T) {
	m := newTestMonitor(t, MonitorConfig{SettleWindow: 5 * time.Millisecond})
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	m.ReportReachable(time.Millisecond)

	select {
	case ev := <-sub.C():
		if ev.Status != StatusReconnecting {
			t.Errorf("first event = %+v, want reconnecting", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestMonitorSlowSubscriberDropsOldest(t *testing.T) {
	m := newTestMonitor(t, MonitorConfig{
		SettleWindow:     time.Hour, // keep transitions manual
		SubscriberBuffer: 1,
	})
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	// Nobody reads; each transition must still return immediately and the
	// buffer keeps only the newest event.
	m.ReportReachable(time.Millisecond) // -> reconnecting
	m.ReportUnreachable()               // -> offline
	m.ReportReachable(time.Millisecond) // -> reconnecting

	ev := <-sub.C()
	if ev.Status != StatusReconnecting {
		t.Errorf("surviving event = %+v, want the newest", ev)
	}
	select {
	case extra := <-sub.C():
		t.Errorf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestMonitorProbeCountsHTTPErrorAsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestMonitor(t, MonitorConfig{
		ProbeURL:      srv.URL,
		ProbeInterval: 5 * time.Millisecond,
		SettleWindow:  5 * time.Millisecond,
	})

	// A 500 still proves the network path works.
	waitForStatus(t, m, StatusOnline)
}

func TestMonitorProbeFailureGoesOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	m := newTestMonitor(t, MonitorConfig{
		ProbeURL:      srv.URL,
		ProbeInterval: 5 * time.Millisecond,
		SettleWindow:  5 * time.Millisecond,
	})
	waitForStatus(t, m, StatusOnline)

	srv.Close()
	waitForStatus(t, m, StatusOffline)
}
