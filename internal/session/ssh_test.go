package session

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const testUser = "lab"

// testSSHServer is an in-process sshd. "echo X" prints X, "fail N" exits
// with N, "noexit" closes without an exit status, and any other command
// prints "ready" and runs until the client tears its channel down.
type testSSHServer struct {
	port    int
	hostKey ssh.Signer
	config  *ssh.ServerConfig
	events  chan string
}

func newTestSSHServer(t *testing.T, authorized ssh.PublicKey) *testSSHServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	srv := &testSSHServer{hostKey: hostKey, events: make(chan string, 64)}
	srv.config = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == testUser && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("key rejected for %s", conn.User())
		},
	}
	srv.config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	srv.port = listener.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn)
		}
	}()
	return srv
}

func (s *testSSHServer) params(identity string) *RemoteParams {
	return &RemoteParams{
		Alias:         "lab-" + strconv.Itoa(s.port),
		Address:       "127.0.0.1",
		User:          testUser,
		Port:          s.port,
		IdentityFiles: []string{identity},
	}
}

func (s *testSSHServer) emit(event string) {
	select {
	case s.events <- event:
	default:
	}
}

// expect waits for event, skipping the ones before it
func (s *testSSHServer) expect(t *testing.T, event string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-s.events:
			if got == event {
				return
			}
		case <-timeout:
			t.Fatalf("ssh server never saw %q", event)
		}
	}
}

func (s *testSSHServer) expectNone(t *testing.T, event string, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case got := <-s.events:
			if got == event {
				t.Fatalf("ssh server unexpectedly saw %q", event)
			}
		case <-timeout:
			return
		}
	}
}

func (s *testSSHServer) handle(conn net.Conn) {
	defer conn.Close()

	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	s.emit("login")
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.session(newCh)
		case "direct-tcpip":
			go s.forward(newCh)
		default:
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel")
		}
	}
}

func (s *testSSHServer) session(newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	started := make(chan string, 1)
	torn := make(chan struct{})
	go func() {
		defer close(torn)
		for req := range reqs {
			switch req.Type {
			case "exec":
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				req.Reply(true, nil)
				started <- payload.Command
			case "signal":
				var payload struct{ Signal string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				s.emit("signal " + payload.Signal)
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	var command string
	select {
	case command = <-started:
	case <-torn:
		return
	}

	exit := func(code int) {
		status := struct{ Status uint32 }{uint32(code)}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
	}

	switch {
	case strings.HasPrefix(command, "echo "):
		fmt.Fprintln(ch, strings.TrimPrefix(command, "echo "))
		exit(0)
	case strings.HasPrefix(command, "fail "):
		code, _ := strconv.Atoi(strings.TrimPrefix(command, "fail "))
		fmt.Fprintln(ch.Stderr(), "failed")
		exit(code)
	case command == "noexit":
	default:
		fmt.Fprintln(ch, "ready")
		<-torn
		s.emit("closed " + command)
	}
}

func (s *testSSHServer) forward(newCh ssh.NewChannel) {
	var payload struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	addr := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
	upstream, err := net.Dial("tcp", addr)
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		upstream.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	s.emit("forward " + addr)

	go func() {
		_, _ = io.Copy(ch, upstream)
		ch.Close()
	}()
	_, _ = io.Copy(upstream, ch)
	upstream.Close()
}

// newClientKey returns a fresh client key and the identity file holding it
func newClientKey(t *testing.T) (ed25519.PrivateKey, ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	return priv, signer.PublicKey(), path
}

func testOptions() SSHOptions {
	return SSHOptions{ConnectTimeout: 5 * time.Second}
}

func dialTest(t *testing.T, params *RemoteParams, opts SSHOptions) *SSHSession {
	t.Helper()
	sess, err := DialSSH(context.Background(), RemoteTarget(params.Alias, params), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestSSHSession_Run(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, pub, identity := newClientKey(t)
	srv := newTestSSHServer(t, pub)
	sess := dialTest(t, srv.params(identity), testOptions())

	t.Run("captures stdout", func(t *testing.T) {
		out, err := sess.Run(context.Background(), "echo hello")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(out.Stdout))
		assert.Equal(t, 0, out.ExitCode)
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		out, err := sess.Run(context.Background(), "fail 3")
		require.NoError(t, err)
		assert.Equal(t, 3, out.ExitCode)
		assert.Equal(t, "failed\n", string(out.Stderr))
	})

	t.Run("missing exit status", func(t *testing.T) {
		out, err := sess.Run(context.Background(), "noexit")
		require.NoError(t, err)
		assert.Equal(t, -1, out.ExitCode)
	})

	t.Run("timeout kills the command and closes its channel", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		start := time.Now()
		_, err := sess.Run(ctx, "sleep 1000")
		elapsed := time.Since(start)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
		assert.Less(t, elapsed, 2*time.Second)

		srv.expect(t, "signal KILL")
		srv.expect(t, "closed sleep 1000")

		out, err := sess.Run(context.Background(), "echo still-connected")
		require.NoError(t, err)
		assert.Equal(t, "still-connected\n", string(out.Stdout))
	})
}

func TestSSHSession_Stream(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, pub, identity := newClientKey(t)
	srv := newTestSSHServer(t, pub)
	sess := dialTest(t, srv.params(identity), testOptions())

	t.Run("close ends the remote tail", func(t *testing.T) {
		stream, err := sess.Stream(context.Background(), "tail -F /var/log/a.log")
		require.NoError(t, err)

		scanner := bufio.NewScanner(stream)
		require.True(t, scanner.Scan())
		assert.Equal(t, "ready", scanner.Text())

		require.NoError(t, stream.Close())
		srv.expect(t, "signal KILL")
		srv.expect(t, "closed tail -F /var/log/a.log")
	})

	t.Run("context cancel ends the remote tail", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stream, err := sess.Stream(ctx, "tail -F /var/log/b.log")
		require.NoError(t, err)
		defer stream.Close()

		scanner := bufio.NewScanner(stream)
		require.True(t, scanner.Scan())

		cancel()
		srv.expect(t, "closed tail -F /var/log/b.log")
		assert.False(t, scanner.Scan())
	})
}

func TestSSHSession_Closed(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, pub, identity := newClientKey(t)
	srv := newTestSSHServer(t, pub)
	sess := dialTest(t, srv.params(identity), testOptions())

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	_, err := sess.Run(context.Background(), "echo hello")
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.Stream(context.Background(), "tail -F x")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestDialSSH_ProxyJump(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, pub, identity := newClientKey(t)
	target := newTestSSHServer(t, pub)
	bastion := newTestSSHServer(t, pub)

	t.Run("tunnels through the jump host", func(t *testing.T) {
		params := target.params(identity)
		params.Jump = bastion.params(identity)
		sess := dialTest(t, params, testOptions())

		bastion.expect(t, "login")
		bastion.expect(t, "forward "+params.Addr())
		target.expect(t, "login")

		out, err := sess.Run(context.Background(), "echo via-jump")
		require.NoError(t, err)
		assert.Equal(t, "via-jump\n", string(out.Stdout))
	})

	t.Run("unreachable jump host", func(t *testing.T) {
		params := target.params(identity)
		params.Jump = &RemoteParams{Alias: "bastion", Address: "127.0.0.1", User: testUser, Port: closedPort(t), IdentityFiles: []string{identity}}

		_, err := DialSSH(context.Background(), RemoteTarget("lab", params), testOptions(), zaptest.NewLogger(t))
		require.ErrorContains(t, err, "dial jump host")
		target.expectNone(t, "login", 200*time.Millisecond)
	})
}

func TestDialSSH_KnownHosts(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, pub, identity := newClientKey(t)
	srv := newTestSSHServer(t, pub)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	other, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)

	writeKnownHosts := func(t *testing.T, host string, key ssh.PublicKey) string {
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{knownhosts.Normalize(host)}, key)
		require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))
		return path
	}
	dial := func(t *testing.T, knownHosts string, strict bool) error {
		params := srv.params(identity)
		params.StrictHostKey = strict
		opts := testOptions()
		opts.KnownHostsPath = knownHosts

		sess, err := DialSSH(context.Background(), RemoteTarget(params.Alias, params), opts, zaptest.NewLogger(t))
		if err == nil {
			sess.Close()
		}
		return err
	}
	addr := srv.params(identity).Addr()

	t.Run("matching key accepted", func(t *testing.T) {
		require.NoError(t, dial(t, writeKnownHosts(t, addr, srv.hostKey.PublicKey()), true))
	})

	t.Run("mismatched key rejected", func(t *testing.T) {
		err := dial(t, writeKnownHosts(t, addr, other.PublicKey()), true)
		require.ErrorContains(t, err, "knownhosts: key mismatch")
	})

	t.Run("unknown host rejected", func(t *testing.T) {
		err := dial(t, writeKnownHosts(t, "10.9.9.9:22", srv.hostKey.PublicKey()), true)
		require.ErrorContains(t, err, "knownhosts: key is unknown")
	})

	t.Run("relaxed checking accepts any key", func(t *testing.T) {
		require.NoError(t, dial(t, writeKnownHosts(t, addr, other.PublicKey()), false))
	})
}

func TestDialSSH_AgentConnectionClosed(t *testing.T) {
	priv, pub, _ := newClientKey(t)
	srv := newTestSSHServer(t, pub)

	keyring := agent.NewKeyring()
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv}))

	// Unix socket paths are length limited, so stay out of t.TempDir.
	dir, err := os.MkdirTemp("", "agent")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "sock")

	listener, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	served := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_ = agent.ServeAgent(keyring, conn)
		conn.Close()
		close(served)
	}()
	t.Setenv("SSH_AUTH_SOCK", sock)

	params := srv.params("")
	params.IdentityFiles = nil
	sess, err := DialSSH(context.Background(), RemoteTarget(params.Alias, params), testOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := sess.Run(context.Background(), "echo agent")
	require.NoError(t, err)
	assert.Equal(t, "agent\n", string(out.Stdout))

	require.NoError(t, sess.Close())
	select {
	case <-served:
	case <-time.After(3 * time.Second):
		t.Fatal("agent connection still open after Close")
	}
}

func TestDialSSH_Errors(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	logger := zaptest.NewLogger(t)

	_, err := DialSSH(context.Background(), LocalTarget("localhost"), testOptions(), logger)
	require.Error(t, err)

	params := &RemoteParams{Alias: "nokeys", Address: "127.0.0.1", User: testUser, Port: closedPort(t)}
	_, err = DialSSH(context.Background(), RemoteTarget("nokeys", params), testOptions(), logger)
	require.ErrorContains(t, err, "no ssh credentials")
}
