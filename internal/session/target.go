package session

import (
	"fmt"
	"net"
	"strconv"
)

// Kind tags the variant of a Target
type Kind int

const (
	KindLocal Kind = iota + 1
	KindRemote
	KindContainer
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

// RemoteParams are the connection parameters of a remote host
type RemoteParams struct {
	Alias         string
	Address       string
	User          string
	Port          int
	IdentityFiles []string
	StrictHostKey bool

	// Jump is the optional jump host the connection is tunnelled through
	Jump *RemoteParams
}

// Addr returns the dialable host:port
func (p *RemoteParams) Addr() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(port))
}

// Target is a host identifier resolved to one session variant.
// Immutable once resolved.
type Target struct {
	Host      string
	Kind      Kind
	Remote    *RemoteParams
	Container string
}

// LocalTarget returns a target executed on the current machine
func LocalTarget(host string) Target {
	return Target{Host: host, Kind: KindLocal}
}

// RemoteTarget returns a target reached over SSH
func RemoteTarget(host string, params *RemoteParams) Target {
	return Target{Host: host, Kind: KindRemote, Remote: params}
}

// ContainerTarget returns a target executed inside a docker container
func ContainerTarget(host, container string) Target {
	return Target{Host: host, Kind: KindContainer, Container: container}
}

// Validate checks that the variant carries exactly the fields it needs
func (t Target) Validate() error {
	switch t.Kind {
	case KindLocal:
		if t.Remote != nil || t.Container != "" {
			return fmt.Errorf("local target %s carries remote parameters", t.Host)
		}
	case KindRemote:
		if t.Remote == nil || t.Remote.Address == "" {
			return fmt.Errorf("remote target %s has no connection parameters", t.Host)
		}
	case KindContainer:
		if t.Container == "" {
			return fmt.Errorf("container target %s has no container name", t.Host)
		}
	default:
		return fmt.Errorf("target %s has unknown kind %d", t.Host, t.Kind)
	}
	return nil
}

func (t Target) String() string {
	switch t.Kind {
	case KindRemote:
		if t.Remote.Jump != nil {
			return fmt.Sprintf("%s(%s via %s)", t.Host, t.Remote.Addr(), t.Remote.Jump.Addr())
		}
		return fmt.Sprintf("%s(%s)", t.Host, t.Remote.Addr())
	case KindContainer:
		return fmt.Sprintf("%s(docker:%s)", t.Host, t.Container)
	default:
		return fmt.Sprintf("%s(%s)", t.Host, t.Kind)
	}
}
