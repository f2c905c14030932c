package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/identity"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/remote/dynamo"
	"github.com/matheus3301/convsync/internal/remote/wsclient"
	"github.com/matheus3301/convsync/internal/secrets"
)

// Backend is the remote store the daemon syncs with, the identity it
// authenticates as, and its connection lifecycle.
type Backend struct {
	Name     string
	Remote   remote.Backend
	Identity identity.Provider

	start func(context.Context)
	stop  func()
}

// Start connects the backend. Backends without a connection do nothing.
func (b *Backend) Start(ctx context.Context) {
	if b.start != nil {
		b.start(ctx)
	}
}

// Stop disconnects the backend.
func (b *Backend) Stop() {
	if b.stop != nil {
		b.stop()
	}
}

// StaticBackend wraps r with a fixed identity and no lifecycle.
func StaticBackend(name string, r remote.Backend, userID string) *Backend {
	return &Backend{Name: name, Remote: r, Identity: identity.Static(userID)}
}

// NewBackend builds the backend selected by cfg.Remote.Backend. The
// connectivity observer is driven by the websocket connection or by the
// DynamoDB poll outcome.
func NewBackend(ctx context.Context, cfg *config.Config, o *connectivity.Observer, logger *zap.Logger) (*Backend, error) {
	switch cfg.Remote.Backend {
	case config.BackendWebsocket:
		token, err := resolveToken(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client := wsclient.New(wsclient.Config{
			URL:      cfg.Remote.URL,
			Token:    token,
			Observer: o,
			Logger:   logger,
		})
		b := &Backend{
			Name:     config.BackendWebsocket,
			Remote:   client,
			Identity: client,
			start:    client.Start,
			stop:     client.Close,
		}
		if cfg.Sync.UserID != "" {
			b.Identity = identity.Static(cfg.Sync.UserID)
		}
		return b, nil

	case config.BackendDynamoDB:
		client, err := dynamo.NewFromEnv(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Table, dynamo.Options{
			PollInterval: cfg.DynamoDB.PollInterval,
			Observer:     o,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		b := StaticBackend(config.BackendDynamoDB, client, cfg.Sync.UserID)
		if cfg.Remote.ProbeAddress == "" {
			// Calls only report reachability once made, so start out online
			// and let the first failing call say otherwise.
			b.start = func(context.Context) { o.Set(true) }
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
}

func resolveToken(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.Remote.Token != "" || cfg.Remote.TokenParameter == "" {
		return cfg.Remote.Token, nil
	}
	store, err := secrets.NewFromEnv(ctx, cfg.Remote.Region)
	if err != nil {
		return "", err
	}
	token, err := secrets.ResolveToken(ctx, store, "", cfg.Remote.TokenParameter)
	if err != nil {
		return "", fmt.Errorf("resolve remote token: %w", err)
	}
	return token, nil
}
