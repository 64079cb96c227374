package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Provider opens a session for a host identifier
type Provider interface {
	Open(ctx context.Context, host string) (Session, error)
}

// Resolver is the default Provider. It resolves local hosts to the local
// shell, docker:// hosts to container exec and everything else to SSH.
type Resolver struct {
	logger *zap.Logger
	config ConfigSource
	local  *LocalDetector
	ssh    SSHOptions
}

// NewResolver creates a session resolver
func NewResolver(config ConfigSource, local *LocalDetector, opts SSHOptions, logger *zap.Logger) *Resolver {
	if local == nil {
		local = NewLocalDetector()
	}
	return &Resolver{
		logger: logger.Named("session"),
		config: config,
		local:  local,
		ssh:    opts,
	}
}

// Resolve maps a host identifier to its target variant
func (r *Resolver) Resolve(host string) (Target, error) {
	if r.local.IsLocal(host) {
		return LocalTarget(host), nil
	}

	if name, ok := strings.CutPrefix(host, ContainerPrefix); ok {
		if name == "" {
			return Target{}, &ResolutionError{Host: host, Err: fmt.Errorf("empty container name")}
		}
		return ContainerTarget(host, name), nil
	}

	if r.config == nil {
		return Target{}, &ResolutionError{Host: host, Err: ErrConfigMissing}
	}
	params, err := r.config.Lookup(host)
	if err != nil {
		return Target{}, err
	}
	return RemoteTarget(host, params), nil
}

// Open implements Provider.Open
func (r *Resolver) Open(ctx context.Context, host string) (Session, error) {
	target, err := r.Resolve(host)
	if err != nil {
		return nil, err
	}
	if err := target.Validate(); err != nil {
		return nil, &ResolutionError{Host: host, Err: err}
	}

	switch target.Kind {
	case KindLocal:
		return NewLocalSession(host), nil
	case KindContainer:
		return NewContainerSession(target)
	default:
		sess, err := DialSSH(ctx, target, r.ssh, r.logger)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", target, err)
		}
		r.logger.Debug("Connected", zap.String("target", target.String()))
		return sess, nil
	}
}
