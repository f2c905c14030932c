package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
)

func recv(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connectivity change")
		return false
	}
}

func TestObserverDeliversOnlyChanges(t *testing.T) {
	o := NewObserver(false, nil)
	ch, cancel := o.Subscribe(4)
	defer cancel()

	if o.Set(false) {
		t.Fatal("setting the same value should not be a change")
	}
	if !o.Set(true) {
		t.Fatal("expected change")
	}
	if got := recv(t, ch); !got {
		t.Fatal("expected online")
	}
	if !o.Online() {
		t.Fatal("Online() should be true")
	}

	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %v", v)
	default:
	}
}

func TestObserverKeepsNewestForSlowSubscriber(t *testing.T) {
	o := NewObserver(false, nil)
	ch, cancel := o.Subscribe(1)
	defer cancel()

	o.Set(true)
	o.Set(false)
	o.Set(true)

	if got := recv(t, ch); !got {
		t.Fatal("expected newest value true")
	}
}

func TestObserverPublishesToBus(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("connectivity.", 4)
	defer unsub()

	o := NewObserver(true, b)
	o.Set(false)

	select {
	case ev := <-events:
		if ev.Kind != bus.KindConnectivityChanged {
			t.Fatalf("kind = %q", ev.Kind)
		}
		if ev.Payload != false {
			t.Fatalf("payload = %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bus event")
	}
}

func TestObserverCancelClosesChannel(t *testing.T) {
	o := NewObserver(false, nil)
	ch, cancel := o.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	o.Set(true) // must not panic on a closed subscriber
}

func TestProberReportsReachability(t *testing.T) {
	o := NewObserver(false, nil)
	ch, cancel := o.Subscribe(4)
	defer cancel()

	reachable := make(chan bool, 1)
	reachable <- true
	p := NewProber("remote:443", 10*time.Millisecond, o, nil)
	p.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		select {
		case up := <-reachable:
			if !up {
				return nil, errors.New("connection refused")
			}
		default:
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	}

	p.Start(context.Background())
	defer p.Stop()

	if got := recv(t, ch); !got {
		t.Fatal("expected online after successful dial")
	}
	if got := recv(t, ch); got {
		t.Fatal("expected offline after failed dial")
	}
}
