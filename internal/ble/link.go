package ble

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Link quality tiers.
type Quality string

const (
	QualityGood Quality = "good"
	QualityOK   Quality = "ok"
	QualityBad  Quality = "bad"
)

// RSSI bounds and tier thresholds, in dBm.
const (
	MinRSSI         = -120
	MaxRSSI         = 0
	goodRSSI        = -70
	okRSSI          = -85
	DefaultRSSIMin  = -85
	MinPollInterval = 15 * time.Second
)

// LinkState is the derived view of the radio link.
type LinkState struct {
	Connected bool    `json:"connected"`
	RSSI      *int    `json:"rssi,omitempty"`
	Quality   Quality `json:"quality"`
}

// Alarm is the inverted connectivity flag hosts show as a connection alarm.
func (s LinkState) Alarm() bool {
	return !s.Connected
}

// NewLinkState derives a LinkState from connectivity and an optional RSSI
// sample. The RSSI is clamped to [MinRSSI, MaxRSSI]. Without a sample the
// tier only reflects connectivity.
func NewLinkState(connected bool, rssi *int) LinkState {
	st := LinkState{Connected: connected}
	if rssi == nil {
		if connected {
			st.Quality = QualityOK
		} else {
			st.Quality = QualityBad
		}
		return st
	}

	v := max(MinRSSI, min(MaxRSSI, *rssi))
	st.RSSI = &v
	switch {
	case v >= goodRSSI:
		st.Quality = QualityGood
	case v >= okRSSI:
		st.Quality = QualityOK
	default:
		st.Quality = QualityBad
	}
	return st
}

// LinkSink receives every recomputed LinkState.
type LinkSink func(LinkState)

// SampleFunc reports current connectivity and, when available, RSSI.
type SampleFunc func() (connected bool, rssi *int)

// LinkMonitorOptions configures a LinkMonitor.
type LinkMonitorOptions struct {
	Interval time.Duration // sampling period, floored at MinPollInterval
	RSSIMin  int           // log when RSSI drops below this; 0 disables
}

// LinkMonitor periodically samples the link and republishes LinkState. It
// is also the single place connect and disconnect events are reported, so
// sinks see one consistent stream.
type LinkMonitor struct {
	logger *slog.Logger
	sink   LinkSink

	mu       sync.Mutex
	interval time.Duration
	rssiMin  int
	sample   SampleFunc
	latest   LinkState
	cron     *cron.Cron
	entry    cron.EntryID
	started  bool
}

// NewLinkMonitor creates a stopped monitor. sink may be nil.
func NewLinkMonitor(opts LinkMonitorOptions, sink LinkSink, logger *slog.Logger) *LinkMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkMonitor{
		logger:   logger,
		sink:     sink,
		interval: floorInterval(opts.Interval),
		rssiMin:  opts.RSSIMin,
		latest:   NewLinkState(false, nil),
	}
}

// Start begins sampling with sample every interval. Calling Start on a
// running monitor is a no-op.
func (m *LinkMonitor) Start(sample SampleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.sample = sample
	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	m.entry = m.cron.Schedule(cron.Every(m.interval), cron.FuncJob(m.Poll))
	m.cron.Start()
	m.started = true
}

// Stop cancels sampling and waits for an in-flight sample to finish.
func (m *LinkMonitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.started = false
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// SetInterval changes the sampling period, floored at MinPollInterval. A
// running schedule is replaced.
func (m *LinkMonitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = floorInterval(d)
	if m.started {
		m.cron.Remove(m.entry)
		m.entry = m.cron.Schedule(cron.Every(m.interval), cron.FuncJob(m.Poll))
	}
	m.logger.Info("[BLE] link poll interval changed", "interval", m.interval)
}

// Interval returns the current sampling period.
func (m *LinkMonitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetRSSIMin changes the informational RSSI threshold.
func (m *LinkMonitor) SetRSSIMin(v int) {
	m.mu.Lock()
	m.rssiMin = v
	m.mu.Unlock()
}

// Poll samples the link once and reports the result.
func (m *LinkMonitor) Poll() {
	m.mu.Lock()
	sample := m.sample
	m.mu.Unlock()
	if sample == nil {
		return
	}
	connected, rssi := sample()
	m.Report(connected, rssi)
}

// Report recomputes LinkState from an observation and publishes it.
func (m *LinkMonitor) Report(connected bool, rssi *int) LinkState {
	st := NewLinkState(connected, rssi)

	m.mu.Lock()
	m.latest = st
	threshold := m.rssiMin
	m.mu.Unlock()

	if st.RSSI != nil && threshold != 0 && *st.RSSI < threshold {
		m.logger.Info("[BLE] RSSI below threshold", "rssi", *st.RSSI, "threshold", threshold)
	}
	if m.sink != nil {
		m.sink(st)
	}
	return st
}

// Latest returns the most recently reported LinkState.
func (m *LinkMonitor) Latest() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

func floorInterval(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	return d
}
