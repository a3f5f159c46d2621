// Package clients chooses between the local and remote engine clients for a
// stack and builds them.
package clients

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/engine/local"
	"github.com/openfroyo/stackrun/pkg/engine/remote"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// Config configures the factory.
type Config struct {
	Local  local.Config
	Remote remote.Config

	// Hostname is the default remote service host.
	Hostname string

	// Token authenticates against Hostname. Other hosts read their token
	// from the environment.
	Token string
}

// APIFunc connects to a remote service host.
type APIFunc func(hostname, token string) (*remote.API, error)

// Factory builds engine clients.
type Factory struct {
	cfg    Config
	logger zerolog.Logger
	newAPI APIFunc

	mu   sync.Mutex
	apis map[string]*remote.API
}

// New creates a factory.
func New(cfg Config, logger zerolog.Logger) *Factory {
	if cfg.Hostname == "" {
		cfg.Hostname = remote.DefaultHostname
	}
	return &Factory{
		cfg:    cfg,
		logger: logger.With().Str("component", "engine.clients").Logger(),
		newAPI: remote.NewAPI,
		apis:   make(map[string]*remote.API),
	}
}

// WithAPIFunc replaces how remote API clients are created.
func (f *Factory) WithAPIFunc(fn APIFunc) *Factory {
	f.newAPI = fn
	return f
}

// Kind picks the remote client when the stack declares a remote backend
// whose workspace exists and executes remotely, and the local client
// otherwise.
func (f *Factory) Kind(ctx context.Context, stack stacks.Stack) (engine.ClientKind, error) {
	backend, ok, err := remoteBackend(stack)
	if err != nil {
		return "", err
	}
	if !ok {
		return engine.ClientKindLocal, nil
	}

	api, err := f.api(backend.Hostname)
	if err != nil {
		if engine.IsUsage(err) {
			f.logger.Warn().Err(err).Str("stack", stack.Name).Msg("Remote backend declared without credentials, running locally")
			return engine.ClientKindLocal, nil
		}
		return "", err
	}

	active, err := remote.WorkspaceActive(ctx, api, backend)
	if err != nil {
		return "", err
	}
	if !active {
		f.logger.Debug().Str("stack", stack.Name).Msg("Workspace does not execute remotely, running locally")
		return engine.ClientKindLocal, nil
	}
	return engine.ClientKindRemote, nil
}

// Client builds a client of the given kind for the stack.
func (f *Factory) Client(ctx context.Context, kind engine.ClientKind, stack stacks.Stack, logFn engine.LogFunc) (engine.Client, error) {
	switch kind {
	case engine.ClientKindLocal:
		return local.New(f.cfg.Local, stack, logFn, f.logger)
	case engine.ClientKindRemote:
		backend, ok, err := remoteBackend(stack)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, engine.NewInternalError(
				fmt.Sprintf("stack %q no longer declares a remote backend", stack.Name), nil).
				WithCode(engine.ErrCodeStackChanged).
				WithStack(stack.Name)
		}
		api, err := f.api(backend.Hostname)
		if err != nil {
			return nil, err
		}
		return remote.New(api, f.cfg.Remote, stack, backend, logFn, f.logger), nil
	default:
		return nil, engine.NewInternalError(fmt.Sprintf("unknown client kind %q", kind), nil)
	}
}

func (f *Factory) api(hostname string) (*remote.API, error) {
	if hostname == "" {
		hostname = f.cfg.Hostname
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if api, ok := f.apis[hostname]; ok {
		return api, nil
	}

	token := remote.TokenFromEnv(hostname)
	if hostname == f.cfg.Hostname && f.cfg.Token != "" {
		token = f.cfg.Token
	}
	api, err := f.newAPI(hostname, token)
	if err != nil {
		return nil, err
	}
	f.apis[hostname] = api
	return api, nil
}

func remoteBackend(stack stacks.Stack) (stacks.RemoteBackend, bool, error) {
	m, err := stack.Manifest()
	if err != nil {
		return stacks.RemoteBackend{}, false, err
	}
	backend, ok := m.RemoteBackend()
	return backend, ok, nil
}
