package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"chatbridge/pkg/logx"
)

func newTestProcess() *Process {
	return &Process{logger: logx.NewLogger("agent"), done: make(chan struct{})}
}

func TestConsumeTracksOutput(t *testing.T) {
	p := newTestProcess()
	stdout := strings.NewReader(strings.Join([]string{
		`{"status":"progress","result":"working"}`,
		`{"status":"success","result":"answer"}`,
	}, "\n"))
	p.consume(stdout, nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.True(t, p.hadOutput)
	assert.Equal(t, "", p.lastError)
}

func TestConsumeBareSuccessIsNotOutput(t *testing.T) {
	// A success record with no result payload is not user-visible output,
	// so it must not mask a dirty exit as success.
	p := newTestProcess()
	p.consume(strings.NewReader(`{"status":"success"}`), nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.False(t, p.hadOutput)
}

func TestConsumeErrorRecordLatches(t *testing.T) {
	p := newTestProcess()
	p.consume(strings.NewReader(`{"status":"error","error":"boom"}`), nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.False(t, p.hadOutput)
	assert.Equal(t, "boom", p.lastError)
}
