package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOptions configures how remote sessions are dialled
type SSHOptions struct {
	ConnectTimeout time.Duration
	KnownHostsPath string
	// DefaultUser is used when the config entry has no User
	DefaultUser string
	// IdentityFiles are tried when the config entry names none
	IdentityFiles []string
}

// DefaultSSHOptions returns the dial options used when none are configured
func DefaultSSHOptions() SSHOptions {
	opts := SSHOptions{ConnectTimeout: 10 * time.Second}
	if home, err := os.UserHomeDir(); err == nil {
		opts.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
		opts.IdentityFiles = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	if u := os.Getenv("USER"); u != "" {
		opts.DefaultUser = u
	}
	return opts
}

// SSHSession runs commands on a remote host over SSH
type SSHSession struct {
	target Target
	logger *zap.Logger
	client *ssh.Client
	jump   *ssh.Client
	// agent is the ssh-agent connection, nil when none is running
	agent  net.Conn
	mu     sync.Mutex
	closed bool
}

// DialSSH connects to a remote target, tunnelling through its jump host when set
func DialSSH(ctx context.Context, target Target, opts SSHOptions, logger *zap.Logger) (*SSHSession, error) {
	if target.Kind != KindRemote || target.Remote == nil {
		return nil, fmt.Errorf("dial ssh: %s is not a remote target", target.Host)
	}
	params := target.Remote

	s := &SSHSession{
		target: target,
		logger: logger.Named("ssh").With(zap.String("host", target.Host)),
		agent:  dialAgent(),
	}
	if err := s.connect(ctx, params, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SSHSession) connect(ctx context.Context, params *RemoteParams, opts SSHOptions) error {
	if params.Jump == nil {
		client, err := s.dialDirect(ctx, params, opts)
		if err != nil {
			return err
		}
		s.client = client
		return nil
	}

	jump, err := s.dialDirect(ctx, params.Jump, opts)
	if err != nil {
		return fmt.Errorf("dial jump host %s: %w", params.Jump.Addr(), err)
	}
	s.jump = jump

	conn, err := jump.DialContext(ctx, "tcp", params.Addr())
	if err != nil {
		return fmt.Errorf("open tunnel to %s: %w", params.Addr(), err)
	}
	config, err := s.clientConfig(params, opts)
	if err != nil {
		conn.Close()
		return err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, params.Addr(), config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", params.Addr(), err)
	}
	s.client = ssh.NewClient(clientConn, chans, reqs)
	return nil
}

func (s *SSHSession) dialDirect(ctx context.Context, params *RemoteParams, opts SSHOptions) (*ssh.Client, error) {
	config, err := s.clientConfig(params, opts)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", params.Addr())
	if err != nil {
		return nil, err
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, params.Addr(), config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", params.Addr(), err)
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (s *SSHSession) clientConfig(params *RemoteParams, opts SSHOptions) (*ssh.ClientConfig, error) {
	user := params.User
	if user == "" {
		user = opts.DefaultUser
	}
	if user == "" {
		return nil, fmt.Errorf("ssh user is required for %s", params.Alias)
	}

	auth := authMethods(params, opts, s.agent)
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials available for %s", params.Alias)
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback(params, opts, s.logger),
		Timeout:         opts.ConnectTimeout,
	}, nil
}

func dialAgent() net.Conn {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	return conn
}

func authMethods(params *RemoteParams, opts SSHOptions, agentConn net.Conn) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if agentConn != nil {
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
	}

	files := opts.IdentityFiles
	if len(params.IdentityFiles) > 0 {
		files = params.IdentityFiles
	}

	var signers []ssh.Signer
	for _, path := range files {
		key, err := os.ReadFile(expandHome(path))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	return methods
}

func hostKeyCallback(params *RemoteParams, opts SSHOptions, logger *zap.Logger) ssh.HostKeyCallback {
	if known := expandHome(opts.KnownHostsPath); params.StrictHostKey && known != "" {
		if _, err := os.Stat(known); err == nil {
			callback, err := knownhosts.New(known)
			if err == nil {
				return callback
			}
			logger.Warn("Failed to load known hosts", zap.String("path", known), zap.Error(err))
		}
	}
	logger.Warn("Accepting any host key", zap.String("alias", params.Alias))
	return ssh.InsecureIgnoreHostKey()
}

// Target implements Session.Target
func (s *SSHSession) Target() Target {
	return s.target
}

// Run implements Session.Run
func (s *SSHSession) Run(ctx context.Context, command string) (Output, error) {
	sess, err := s.newSession()
	if err != nil {
		return Output{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case err := <-done:
		out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			out.ExitCode = -1
			return out, nil
		}
		return out, err
	case <-ctx.Done():
		// Killing the remote side and closing the channel unblocks sess.Run.
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return Output{}, ctx.Err()
	}
}

// Stream implements Session.Stream
func (s *SSHSession) Stream(ctx context.Context, command string) (io.ReadCloser, error) {
	sess, err := s.newSession()
	if err != nil {
		return nil, err
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, err
	}

	stream := &sshStream{reader: stdout, sess: sess, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stream.done:
		}
	}()
	return stream, nil
}

// Close implements Session.Close
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	if s.jump != nil {
		errs = append(errs, s.jump.Close())
	}
	if s.agent != nil {
		errs = append(errs, s.agent.Close())
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

func (s *SSHSession) newSession() (*ssh.Session, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	return s.client.NewSession()
}

type sshStream struct {
	reader io.Reader
	sess   *ssh.Session
	once   sync.Once
	done   chan struct{}
}

func (s *sshStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Close kills the remote command and closes its channel
func (s *sshStream) Close() error {
	s.once.Do(func() {
		_ = s.sess.Signal(ssh.SIGKILL)
		_ = s.sess.Close()
		close(s.done)
	})
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
