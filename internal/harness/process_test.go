package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavallee/cub/pkg/models"
)

func shBackend(script string, def Definition) *CommandBackend {
	def.Name = "sh"
	def.Binary = "sh"
	def.Args = []string{"-c", script}
	def.PromptMode = "stdin"
	return NewCommandBackend(def)
}

func waitDone(t *testing.T, h Handle) Poll {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var all Poll
	for time.Now().Before(deadline) {
		p := h.Poll()
		all.OutputDelta += p.OutputDelta
		all.ActivityOccurred = all.ActivityOccurred || p.ActivityOccurred
		all.Tokens, all.Cost = p.Tokens, p.Cost
		if !p.Running {
			return all
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("process did not finish")
	return all
}

func TestCommandBackend_SuccessWithUsage(t *testing.T) {
	script := `echo working; echo '{"usage":{"input_tokens":100,"output_tokens":50},"cost":0.01}'; echo ALL DONE`
	b := shBackend(script, Definition{CompletionMarker: "ALL DONE"})
	logPath := filepath.Join(t.TempDir(), "logs", "t1.log")

	h, err := b.Start(context.Background(), "", StartOptions{WorkDir: t.TempDir(), LogPath: logPath})
	require.NoError(t, err)

	p := waitDone(t, h)
	assert.True(t, p.ActivityOccurred)
	assert.Contains(t, p.OutputDelta, "working")

	res := h.Result()
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int64(150), res.Tokens)
	assert.InDelta(t, 0.01, res.Cost, 1e-9)
	assert.Contains(t, res.Summary, "ALL DONE")

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "working")
}

func TestCommandBackend_MissingCompletionMarkerFails(t *testing.T) {
	b := shBackend(`echo partial`, Definition{CompletionMarker: "ALL DONE"})
	h, err := b.Start(context.Background(), "", StartOptions{})
	require.NoError(t, err)
	res := h.Result()
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, models.ReasonHarnessError, res.Reason)
}

func TestCommandBackend_NonZeroExitFails(t *testing.T) {
	b := shBackend(`echo oops >&2; exit 2`, Definition{})
	h, err := b.Start(context.Background(), "", StartOptions{})
	require.NoError(t, err)
	res := h.Result()
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Summary, "oops")
	assert.Error(t, res.Err)
}

func TestProcessHandle_CancelKillsGroup(t *testing.T) {
	// The child sleep shares the process group and must die with it.
	b := shBackend(`echo started; sleep 30 & wait`, Definition{})
	h, err := b.Start(context.Background(), "", StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(h.Poll().OutputDelta, "started")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Cancel())
	require.NoError(t, h.Cancel(), "second cancel is a no-op")

	done := make(chan Result, 1)
	go func() { done <- h.Result() }()
	select {
	case res := <-done:
		assert.Equal(t, models.OutcomeInterrupted, res.Outcome)
	case <-time.After(10 * time.Second):
		t.Fatal("Result did not return after Cancel")
	}
	assert.False(t, h.Poll().Running)
}

func TestProcessHandle_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := shBackend(`sleep 30`, Definition{})
	h, err := b.Start(ctx, "", StartOptions{})
	require.NoError(t, err)
	cancel()
	res := h.Result()
	assert.Equal(t, models.OutcomeInterrupted, res.Outcome)
}

func TestProcessHandle_StdinPrompt(t *testing.T) {
	b := shBackend(`cat`, Definition{})
	h, err := b.Start(context.Background(), "hello from stdin", StartOptions{})
	require.NoError(t, err)
	p := waitDone(t, h)
	assert.Contains(t, p.OutputDelta, "hello from stdin")
	assert.Equal(t, models.OutcomeSuccess, h.Result().Outcome)
}

func TestProcessHandle_OversizedLinesKeepDraining(t *testing.T) {
	script := `head -c 300000 /dev/zero | tr '\0' e >&2; echo >&2
head -c 300000 /dev/zero | tr '\0' e >&2; echo >&2
head -c 5000000 /dev/zero | tr '\0' o; echo
echo ALL DONE`
	b := shBackend(script, Definition{CompletionMarker: "ALL DONE"})
	h, err := b.Start(context.Background(), "", StartOptions{})
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- h.Result() }()
	select {
	case res := <-done:
		// Success requires the completion marker printed after the long lines.
		assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	case <-time.After(10 * time.Second):
		t.Fatal("Result did not return after oversized output lines")
	}
}

func TestReadLines(t *testing.T) {
	input := "short\r\n" + strings.Repeat("x", 40) + "\n\nlast"
	var lines []string
	touches := 0
	err := readLines(strings.NewReader(input), 8, func(line []byte) {
		lines = append(lines, string(line))
	}, func() { touches++ })

	require.NoError(t, err)
	assert.Equal(t, []string{"short", "xxxxxxxx", "", "last"}, lines)
	assert.Positive(t, touches)
}
