package console

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSink_Printf(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, false)

	sink.Success("connt1", "Matched keyword: '%s'", "connt1")
	sink.Warn("", "Waiting %d seconds", 5)
	sink.Log("convsrc2", "tail", "connt2 ready")

	assert.Equal(t,
		"[connt1] Matched keyword: 'connt1'\nWaiting 5 seconds\n[convsrc2] LOG (tail): connt2 ready\n",
		buf.String())
}

func TestSink_ColorsWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, true)

	sink.Error("h", "boom")
	assert.Contains(t, buf.String(), "\x1b[31m")
	assert.Contains(t, buf.String(), "[h] boom")
}

func TestSink_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sink.Info("host", "line")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1000)
	for _, line := range lines {
		assert.Equal(t, "[host] line", line)
	}
}
