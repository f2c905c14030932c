package connectivity

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// Prober periodically dials a TCP address and feeds the result to an Observer.
type Prober struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	observer *Observer
	logger   *zap.Logger
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates a prober for address ("host:port").
func NewProber(address string, interval time.Duration, o *Observer, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &net.Dialer{}
	return &Prober{
		address:  address,
		interval: interval,
		timeout:  3 * time.Second,
		observer: o,
		logger:   logger,
		dial:     d.DialContext,
	}
}

// Start probes immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.probe(ctx)
		for {
			select {
			case <-ticker.C:
				p.probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops probing and waits for the loop to exit.
func (p *Prober) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Prober) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return
		}
		if p.observer.Set(false) {
			p.logger.Warn("remote unreachable", zap.String("address", p.address), zap.Error(err))
		}
		return
	}
	_ = conn.Close()
	if p.observer.Set(true) {
		p.logger.Info("remote reachable", zap.String("address", p.address))
	}
}
