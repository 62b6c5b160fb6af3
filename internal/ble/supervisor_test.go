package ble_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/ble/bletest"
)

const lampAddr = "34:10:18:30:03:F7"

type lampFixture struct {
	adapter    *bletest.Adapter
	peripheral *bletest.Peripheral
	char       *bletest.Characteristic
	sink       *recordingSink
	monitor    *ble.LinkMonitor
	sup        *ble.Supervisor
}

func newLampFixture(t *testing.T, advertisedRSSI int) *lampFixture {
	t.Helper()
	f := &lampFixture{sink: &recordingSink{}}
	f.char = bletest.NewCharacteristic(ffe1Full, bletest.Writable)
	f.peripheral = bletest.NewPeripheral(lampAddr,
		bletest.NewService(infoFull, bletest.NewCharacteristic("2a29", bletest.ReadOnly)),
		bletest.NewService(ffb0Full, f.char),
	)
	f.peripheral.SetRSSI(advertisedRSSI)
	f.adapter = bletest.NewAdapter(f.peripheral)
	f.adapter.SetAdvertisements(ble.Advertisement{
		Address:      lampAddr,
		LocalName:    "UAC088",
		ServiceUUIDs: []string{"ffb0"},
		RSSI:         advertisedRSSI,
		HasRSSI:      true,
	})
	f.monitor = ble.NewLinkMonitor(ble.LinkMonitorOptions{RSSIMin: -85}, f.sink.record, nil)
	f.sup = ble.NewSupervisor(f.adapter, fastResolver(2), f.monitor, ble.SupervisorOptions{
		Address:       lampAddr,
		ServiceUUID:   "ffb0",
		CharUUID:      "ffe1",
		RetryInterval: 10 * time.Millisecond,
		SettleDelay:   time.Millisecond,
	}, nil)
	t.Cleanup(f.sup.Stop)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisorConnects(t *testing.T) {
	f := newLampFixture(t, -60)

	if err := f.sup.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if f.sup.State() != ble.StateConnected {
		t.Errorf("State() = %q, want connected", f.sup.State())
	}
	if !f.peripheral.HasObserver() {
		t.Error("disconnect observer should be registered after commit")
	}

	st := f.monitor.Latest()
	if !st.Connected || st.RSSI == nil || *st.RSSI != -60 || st.Quality != ble.QualityGood {
		t.Errorf("link state = %+v, want connected -60 good", st)
	}

	frame := []byte{0xCC, 0x23, 0x33}
	if err := f.sup.Write(context.Background(), frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := f.char.LastWrite(); string(got) != string(frame) {
		t.Errorf("written frame = % X, want % X", got, frame)
	}
}

func TestSupervisorSkipsWeakSignal(t *testing.T) {
	f := newLampFixture(t, -90)

	err := f.sup.EnsureConnected(context.Background())
	if !errors.Is(err, ble.ErrLinkTooWeak) {
		t.Fatalf("EnsureConnected() error = %v, want ErrLinkTooWeak", err)
	}
	if f.peripheral.ConnectCalls() != 0 {
		t.Errorf("connects = %d, want 0", f.peripheral.ConnectCalls())
	}
	if f.sup.State() != ble.StateDisconnected {
		t.Errorf("State() = %q, want disconnected", f.sup.State())
	}

	st := f.monitor.Latest()
	if st.Connected || st.RSSI == nil || *st.RSSI != -90 || st.Quality != ble.QualityBad {
		t.Errorf("link state = %+v, want disconnected -90 bad", st)
	}
	if !st.Alarm() {
		t.Error("alarm should be raised while disconnected")
	}
}

func TestSupervisorConnectMinRSSIIsAdjustable(t *testing.T) {
	f := newLampFixture(t, -90)
	f.sup.SetConnectMinRSSI(-95)

	if err := f.sup.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
}

func TestSupervisorReconnectsAfterDisconnect(t *testing.T) {
	f := newLampFixture(t, -60)
	ctx := context.Background()

	if err := f.sup.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	f.peripheral.SimulateDisconnect()

	if f.sup.Connected() {
		t.Fatal("supervisor should drop the handle on disconnect")
	}
	if err := f.sup.Write(ctx, []byte{1}); !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("Write() error = %v, want ErrNotConnected", err)
	}
	if st := f.monitor.Latest(); st.Connected || !st.Alarm() {
		t.Errorf("link state = %+v, want disconnected", st)
	}

	if err := f.sup.EnsureConnected(ctx); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if got := f.peripheral.ConnectCalls(); got != 2 {
		t.Errorf("connects = %d, want 2", got)
	}
}

func TestSupervisorDropsStaleHandle(t *testing.T) {
	f := newLampFixture(t, -60)
	ctx := context.Background()

	if err := f.sup.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	f.peripheral.DropSilently()

	if f.sup.Connected() {
		t.Fatal("Connected() should notice the dead link")
	}
	if err := f.sup.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if !f.sup.Connected() {
		t.Error("supervisor should reconnect over a stale handle")
	}
}

func TestSupervisorMatchesByServiceHint(t *testing.T) {
	f := newLampFixture(t, -60)
	f.adapter.RequireScan(true)
	// Host stacks report advertised services in full base-UUID form.
	f.adapter.SetAdvertisements(ble.Advertisement{
		Address:      lampAddr,
		ServiceUUIDs: []string{ffb0Full},
		RSSI:         -60,
		HasRSSI:      true,
	})
	f.sup = ble.NewSupervisor(f.adapter, fastResolver(2), f.monitor, ble.SupervisorOptions{
		ServiceUUID: "ffb0",
		SettleDelay: time.Millisecond,
	}, nil)
	t.Cleanup(f.sup.Stop)

	if err := f.sup.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if !f.peripheral.IsConnected() {
		t.Error("peripheral matched by advertised service should be connected")
	}
}

func TestSupervisorPeripheralNotFound(t *testing.T) {
	adapter := bletest.NewAdapter()
	sup := ble.NewSupervisor(adapter, fastResolver(2), nil, ble.SupervisorOptions{
		Address:     lampAddr,
		SettleDelay: time.Millisecond,
	}, nil)
	defer sup.Stop()

	if err := sup.EnsureConnected(context.Background()); !errors.Is(err, ble.ErrPeripheralNotFound) {
		t.Errorf("EnsureConnected() error = %v, want ErrPeripheralNotFound", err)
	}
}

func TestSupervisorResolutionFailureDisconnects(t *testing.T) {
	p := bletest.NewPeripheral(lampAddr,
		bletest.NewService(infoFull, bletest.NewCharacteristic("2a29", bletest.ReadOnly)),
	)
	adapter := bletest.NewAdapter(p)
	sup := ble.NewSupervisor(adapter, fastResolver(2), nil, ble.SupervisorOptions{
		Address:     lampAddr,
		ServiceUUID: "ffb0",
		SettleDelay: time.Millisecond,
	}, nil)
	defer sup.Stop()

	err := sup.EnsureConnected(context.Background())
	if !errors.Is(err, ble.ErrServiceNotFound) {
		t.Fatalf("EnsureConnected() error = %v, want ErrServiceNotFound", err)
	}
	if p.IsConnected() {
		t.Error("a failed resolution should leave the peripheral disconnected")
	}
	if sup.Connected() {
		t.Error("supervisor should hold no handle after a failed resolution")
	}
}

func TestSupervisorWriteFailure(t *testing.T) {
	f := newLampFixture(t, -60)
	ctx := context.Background()
	if err := f.sup.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	f.char.SetWriteError(errors.New("att error 0x0e"))
	if err := f.sup.Write(ctx, []byte{1}); !errors.Is(err, ble.ErrWriteFailed) {
		t.Errorf("Write() error = %v, want ErrWriteFailed", err)
	}
}

func TestSupervisorSerializesAttempts(t *testing.T) {
	f := newLampFixture(t, -60)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.sup.EnsureConnected(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureConnected() error = %v", err)
		}
	}
	if got := f.peripheral.ConnectCalls(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
}

func TestSupervisorLoopRetriesAndStops(t *testing.T) {
	f := newLampFixture(t, -60)
	f.peripheral.SetConnectError(errors.New("connection timed out"))

	f.sup.Start(context.Background())
	waitFor(t, "connect retries", func() bool { return f.peripheral.ConnectCalls() >= 2 })
	if f.sup.Connected() {
		t.Fatal("should not be connected while connects fail")
	}

	f.peripheral.SetConnectError(nil)
	waitFor(t, "connection", f.sup.Connected)

	f.peripheral.SimulateDisconnect()
	waitFor(t, "reconnection", f.sup.Connected)

	done := make(chan struct{})
	go func() {
		f.sup.Stop()
		f.sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if f.peripheral.IsConnected() {
		t.Error("Stop should disconnect the peripheral")
	}
	if err := f.sup.EnsureConnected(context.Background()); !errors.Is(err, ble.ErrStopped) {
		t.Errorf("EnsureConnected() after Stop error = %v, want ErrStopped", err)
	}
}

func TestSupervisorSetHints(t *testing.T) {
	f := newLampFixture(t, -60)
	ctx := context.Background()

	other := bletest.NewCharacteristic("0000ffe9-0000-1000-8000-00805f9b34fb", bletest.Writable)
	f.peripheral = bletest.NewPeripheral(lampAddr, bletest.NewService(ffb0Full, f.char, other))
	f.peripheral.SetRSSI(-60)
	f.adapter = bletest.NewAdapter(f.peripheral)
	f.sup = ble.NewSupervisor(f.adapter, fastResolver(2), f.monitor, ble.SupervisorOptions{
		Address:     lampAddr,
		ServiceUUID: "ffb0",
		CharUUID:    "ffe1",
		SettleDelay: time.Millisecond,
	}, nil)
	t.Cleanup(f.sup.Stop)

	f.sup.SetHints("ffb0", "ffe9")
	if err := f.sup.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if err := f.sup.Write(ctx, []byte{7}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(other.Writes()) != 1 || len(f.char.Writes()) != 0 {
		t.Error("write should go to the characteristic named by the new hint")
	}
}

func TestSupervisorLinkSample(t *testing.T) {
	f := newLampFixture(t, -72)

	if connected, rssi := f.sup.LinkSample(); connected || rssi != nil {
		t.Errorf("LinkSample() before connect = %v, %v", connected, rssi)
	}
	if err := f.sup.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	connected, rssi := f.sup.LinkSample()
	if !connected || rssi == nil || *rssi != -72 {
		t.Errorf("LinkSample() = %v, %v, want true -72", connected, rssi)
	}
}
