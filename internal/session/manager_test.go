package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fpang/clinical-session-insights/internal/store"
)

func TestManager_Connect(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.deps)
	ctx := context.Background()

	p, err := m.Connect(ctx, "s1", f.sender)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.Live("s1") != p {
		t.Error("Live should return the connected processor")
	}
	if _, err := m.Connect(ctx, "s1", &recordingSender{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect err = %v, want ErrAlreadyConnected", err)
	}

	m.Disconnect(ctx, p)
	if m.Live("s1") != nil {
		t.Error("processor still registered after Disconnect")
	}
	if status := f.session(t).Status; status != store.StatusStopped {
		t.Errorf("status = %s, want STOPPED", status)
	}
}

func TestManager_ConnectMissingSessionReleasesSlot(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.deps)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "missing", f.sender); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if err := f.store.PutSession(ctx, &store.Session{ID: "missing", Status: store.StatusStarted}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(ctx, "missing", f.sender); err != nil {
		t.Errorf("Connect after create: %v", err)
	}
}

func TestManager_StopLive(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.deps)
	ctx := context.Background()

	p, err := m.Connect(ctx, "s1", f.sender)
	if err != nil {
		t.Fatal(err)
	}
	p.Ingest(ctx, []byte("a"))

	res, err := m.Stop(ctx, "s1")
	if err != nil || res != StopStartedProcessing {
		t.Fatalf("Stop = %v, %v", res, err)
	}
	res, _ = m.Stop(ctx, "s1")
	if res != StopIgnored {
		t.Errorf("second Stop = %v, want ignored", res)
	}
	p.Wait()
	if n := f.sender.count(TypeInsightReport); n != 1 {
		t.Errorf("insight reports = %d, want 1", n)
	}
}

func TestManager_StopOffline(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.deps)
	ctx := context.Background()

	res, err := m.Stop(ctx, "s1")
	if err != nil || res != StopRecorded {
		t.Fatalf("Stop = %v, %v; want stopped", res, err)
	}
	res, err = m.Stop(ctx, "s1")
	if err != nil || res != StopAlreadyClosed {
		t.Errorf("second Stop = %v, %v; want already_closed", res, err)
	}
	if _, err := m.Stop(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Stop(missing) err = %v", err)
	}
}

func TestManager_ShutdownCancelsInFlight(t *testing.T) {
	f := newFixture(t)
	f.transcriber.block = true
	f.transcriber.entered = make(chan struct{})
	m := NewManager(f.deps)
	ctx := context.Background()

	p, err := m.Connect(ctx, "s1", f.sender)
	if err != nil {
		t.Fatal(err)
	}
	p.Ingest(ctx, []byte("a"))
	p.RequestStop(ctx)
	<-f.transcriber.entered

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m.Shutdown(sctx)

	if sctx.Err() != nil {
		t.Fatal("Shutdown did not drain before deadline")
	}
	if m.Live("s1") != nil {
		t.Error("processor still registered after Shutdown")
	}
	if f.sender.count(TypeFinalTranscript) != 0 {
		t.Error("final transcript sent after shutdown")
	}
}
