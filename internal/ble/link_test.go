package ble_test

import (
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/btlightd/internal/ble"
)

func intp(v int) *int { return &v }

func TestNewLinkState(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		rssi      *int
		wantRSSI  *int
		want      ble.Quality
	}{
		{"strong", true, intp(-60), intp(-60), ble.QualityGood},
		{"good boundary", true, intp(-70), intp(-70), ble.QualityGood},
		{"ok", true, intp(-71), intp(-71), ble.QualityOK},
		{"ok boundary", true, intp(-85), intp(-85), ble.QualityOK},
		{"bad", true, intp(-86), intp(-86), ble.QualityBad},
		{"disconnected with advertised rssi", false, intp(-90), intp(-90), ble.QualityBad},
		{"clamped low", true, intp(-200), intp(-120), ble.QualityBad},
		{"clamped high", true, intp(12), intp(0), ble.QualityGood},
		{"connected without rssi", true, nil, nil, ble.QualityOK},
		{"disconnected without rssi", false, nil, nil, ble.QualityBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ble.NewLinkState(tt.connected, tt.rssi)
			if st.Quality != tt.want {
				t.Errorf("Quality = %q, want %q", st.Quality, tt.want)
			}
			if st.Alarm() == tt.connected {
				t.Errorf("Alarm() = %v with connected = %v", st.Alarm(), tt.connected)
			}
			switch {
			case tt.wantRSSI == nil && st.RSSI != nil:
				t.Errorf("RSSI = %d, want nil", *st.RSSI)
			case tt.wantRSSI != nil && (st.RSSI == nil || *st.RSSI != *tt.wantRSSI):
				t.Errorf("RSSI = %v, want %d", st.RSSI, *tt.wantRSSI)
			}
		})
	}
}

func TestNewLinkStateDoesNotAliasInput(t *testing.T) {
	v := -60
	st := ble.NewLinkState(true, &v)
	v = -100
	if *st.RSSI != -60 {
		t.Errorf("RSSI changed with caller's variable: %d", *st.RSSI)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	states []ble.LinkState
}

func (r *recordingSink) record(st ble.LinkState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *recordingSink) all() []ble.LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ble.LinkState(nil), r.states...)
}

func TestLinkMonitorReport(t *testing.T) {
	sink := &recordingSink{}
	m := ble.NewLinkMonitor(ble.LinkMonitorOptions{RSSIMin: -85}, sink.record, nil)

	if got := m.Latest(); got.Connected || got.Quality != ble.QualityBad {
		t.Errorf("initial Latest() = %+v, want disconnected/bad", got)
	}

	m.Report(true, intp(-60))
	m.Report(false, intp(-90))

	states := sink.all()
	if len(states) != 2 {
		t.Fatalf("sink got %d states, want 2", len(states))
	}
	if states[0].Quality != ble.QualityGood || !states[0].Connected {
		t.Errorf("first state = %+v", states[0])
	}
	if got := m.Latest(); got.Connected || *got.RSSI != -90 || got.Quality != ble.QualityBad {
		t.Errorf("Latest() = %+v, want disconnected -90 bad", got)
	}
}

func TestLinkMonitorPoll(t *testing.T) {
	sink := &recordingSink{}
	m := ble.NewLinkMonitor(ble.LinkMonitorOptions{}, sink.record, nil)

	// Poll before Start has no sampler.
	m.Poll()
	if len(sink.all()) != 0 {
		t.Fatal("Poll without a sampler should not report")
	}

	m.Start(func() (bool, *int) { return true, intp(-75) })
	defer m.Stop()

	m.Poll()
	got := m.Latest()
	if !got.Connected || got.Quality != ble.QualityOK {
		t.Errorf("Latest() = %+v, want connected/ok", got)
	}
}

func TestLinkMonitorInterval(t *testing.T) {
	m := ble.NewLinkMonitor(ble.LinkMonitorOptions{Interval: time.Second}, nil, nil)
	if got := m.Interval(); got != ble.MinPollInterval {
		t.Errorf("Interval() = %v, want floor %v", got, ble.MinPollInterval)
	}

	m.Start(func() (bool, *int) { return false, nil })
	m.SetInterval(90 * time.Second)
	if got := m.Interval(); got != 90*time.Second {
		t.Errorf("Interval() = %v, want 90s", got)
	}
	m.SetInterval(0)
	if got := m.Interval(); got != ble.MinPollInterval {
		t.Errorf("Interval() = %v, want floor %v", got, ble.MinPollInterval)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
