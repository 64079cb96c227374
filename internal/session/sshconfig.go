package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kevinburke/ssh_config"
)

// ConfigSource supplies per-host connection parameters
type ConfigSource interface {
	Lookup(host string) (*RemoteParams, error)
}

// SSHConfigSource reads connection parameters from an OpenSSH client config file
type SSHConfigSource struct {
	path string
	once sync.Once
	cfg  *ssh_config.Config
	err  error
}

// NewSSHConfigSource creates a config source for path, defaulting to ~/.ssh/config
func NewSSHConfigSource(path string) *SSHConfigSource {
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".ssh", "config")
		}
	}
	return &SSHConfigSource{path: expandHome(path)}
}

// Lookup implements ConfigSource.Lookup
func (s *SSHConfigSource) Lookup(host string) (*RemoteParams, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, &ResolutionError{Host: host, Err: err}
	}

	params, err := paramsFor(cfg, host)
	if err != nil {
		return nil, &ResolutionError{Host: host, Err: err}
	}

	jump := strings.TrimSpace(get(cfg, host, "ProxyJump"))
	if jump == "" || strings.EqualFold(jump, "none") {
		return params, nil
	}

	// Only the first hop of a chained ProxyJump is honoured.
	jump = strings.Split(jump, ",")[0]
	jumpUser, jumpHost, jumpPort := splitJump(jump)
	jumpParams, err := paramsFor(cfg, jumpHost)
	if err != nil {
		return nil, &ResolutionError{Host: jumpHost, Jump: true, Err: err}
	}
	if jumpUser != "" {
		jumpParams.User = jumpUser
	}
	if jumpPort != 0 {
		jumpParams.Port = jumpPort
	}
	params.Jump = jumpParams

	return params, nil
}

func (s *SSHConfigSource) load() (*ssh_config.Config, error) {
	s.once.Do(func() {
		f, err := os.Open(s.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.err = fmt.Errorf("%w at %s", ErrConfigMissing, s.path)
				return
			}
			s.err = fmt.Errorf("open ssh config: %w", err)
			return
		}
		defer f.Close()

		cfg, err := ssh_config.Decode(f)
		if err != nil {
			s.err = fmt.Errorf("parse ssh config %s: %w", s.path, err)
			return
		}
		s.cfg = cfg
	})
	return s.cfg, s.err
}

func paramsFor(cfg *ssh_config.Config, host string) (*RemoteParams, error) {
	if !hasEntry(cfg, host) {
		return nil, ErrHostNotConfigured
	}

	params := &RemoteParams{
		Alias:         host,
		Address:       get(cfg, host, "HostName"),
		User:          get(cfg, host, "User"),
		Port:          22,
		IdentityFiles: getAll(cfg, host, "IdentityFile"),
		StrictHostKey: !strings.EqualFold(get(cfg, host, "StrictHostKeyChecking"), "no"),
	}
	if params.Address == "" {
		params.Address = host
	}
	if raw := get(cfg, host, "Port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q for %s", raw, host)
		}
		params.Port = port
	}
	return params, nil
}

// hasEntry reports whether a non-wildcard Host block matches host
func hasEntry(cfg *ssh_config.Config, host string) bool {
	for _, h := range cfg.Hosts {
		explicit := false
		for _, p := range h.Patterns {
			if p.String() != "*" {
				explicit = true
				break
			}
		}
		if explicit && h.Matches(host) {
			return true
		}
	}
	return false
}

func get(cfg *ssh_config.Config, host, key string) string {
	v, err := cfg.Get(host, key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func getAll(cfg *ssh_config.Config, host, key string) []string {
	values, err := cfg.GetAll(host, key)
	if err != nil {
		return nil
	}
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// splitJump parses a ProxyJump entry of the form [user@]host[:port]
func splitJump(spec string) (user, host string, port int) {
	host = spec
	if i := strings.LastIndex(host, "@"); i >= 0 {
		user = host[:i]
		host = host[i+1:]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[:i], ":") {
		if p, err := strconv.Atoi(host[i+1:]); err == nil {
			port = p
			host = host[:i]
		}
	}
	return user, host, port
}
