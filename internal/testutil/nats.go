// Package testutil provides test fixtures: an embedded JetStream server and
// scripted sessions.
package testutil

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer creates a NATS server on a random local port
func RunServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 256,
		JetStream:      true,
		StoreDir:       storeDir,
	}

	return server.NewServer(opts)
}

// StartJetStream starts a NATS server with JetStream enabled
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	s, err := RunServer(t.TempDir())
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
		s.WaitForShutdown()
	}

	return s, js, cleanup
}

// WaitForStream waits for a stream to be created
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.StreamInfo(name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for stream %s", name)
}

// ConsumeMessages collects the messages published on subject for duration
func ConsumeMessages(js nats.JetStreamContext, subject string, duration time.Duration) ([][]byte, error) {
	var messages [][]byte
	msgChan := make(chan *nats.Msg, 100)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	for {
		select {
		case msg := <-msgChan:
			messages = append(messages, msg.Data)
		case <-timer.C:
			return messages, nil
		}
	}
}
