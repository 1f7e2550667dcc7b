package pipeline_test

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
)

type fakeCommand struct {
	id          string
	result      pipeline.CommandResult
	calls       *int
	confirmable bool
}

func (c fakeCommand) ID() string                   { return c.id }
func (c fakeCommand) DisplayName() string          { return c.id }
func (c fakeCommand) RequiresConfirmation() bool    { return c.confirmable }
func (c fakeCommand) Execute(context.Context, *cmdcontext.Context) pipeline.CommandResult {
	if c.calls != nil {
		*c.calls++
	}
	return c.result
}

type alwaysConfirm struct{}

func (alwaysConfirm) AwaitConfirmation(context.Context, string) (string, string) {
	return "confirm", ""
}

type alwaysCancel struct{}

func (alwaysCancel) AwaitConfirmation(context.Context, string) (string, string) {
	return "cancel", "operator said no"
}

func newTestContext(t *testing.T) *cmdcontext.Context {
	t.Helper()
	reg := registry.New()
	t.Cleanup(reg.Close)
	var events []cmdcontext.ProgressEvent
	sink := cmdcontext.ProgressSinkFunc(func(e cmdcontext.ProgressEvent) { events = append(events, e) })
	return cmdcontext.New("sess-1", reg, sink)
}

func TestRunAllSuccess(t *testing.T) {
	cctx := newTestContext(t)
	cmds := []pipeline.Command{
		fakeCommand{id: "a", result: pipeline.Success()},
		fakeCommand{id: "b", result: pipeline.Success()},
	}
	state := pipeline.Run(context.Background(), zap.NewNop(), cmds, cctx, pipeline.ModeTrust, alwaysConfirm{})
	assert.Equal(t, pipeline.StateCompleted, state)
}

func TestRunNonRetryableFailureStopsPipeline(t *testing.T) {
	cctx := newTestContext(t)
	calls := 0
	cmds := []pipeline.Command{
		fakeCommand{id: "a", result: pipeline.Failure("boom", false)},
		fakeCommand{id: "b", result: pipeline.Success(), calls: &calls},
	}
	state := pipeline.Run(context.Background(), zap.NewNop(), cmds, cctx, pipeline.ModeTrust, alwaysConfirm{})
	assert.Equal(t, pipeline.StateFailed, state)
	assert.Equal(t, 0, calls)
}

func TestRunSkippedContinues(t *testing.T) {
	cctx := newTestContext(t)
	cmds := []pipeline.Command{
		fakeCommand{id: "a", result: pipeline.Skipped("not applicable")},
		fakeCommand{id: "b", result: pipeline.Success()},
	}
	state := pipeline.Run(context.Background(), zap.NewNop(), cmds, cctx, pipeline.ModeTrust, alwaysConfirm{})
	assert.Equal(t, pipeline.StateCompleted, state)
}

func TestRunConfirmationCancelFailsPipeline(t *testing.T) {
	cctx := newTestContext(t)
	cmds := []pipeline.Command{
		fakeCommand{id: "a", result: pipeline.Success(), confirmable: true},
	}
	state := pipeline.Run(context.Background(), zap.NewNop(), cmds, cctx, pipeline.ModeConfirmation, alwaysCancel{})
	assert.Equal(t, pipeline.StateFailed, state)
}

func TestRunAlreadyCancelled(t *testing.T) {
	cctx := newTestContext(t)
	cctx.Cancel()
	cmds := []pipeline.Command{
		fakeCommand{id: "a", result: pipeline.Success()},
	}
	state := pipeline.Run(context.Background(), zap.NewNop(), cmds, cctx, pipeline.ModeTrust, alwaysConfirm{})
	assert.Equal(t, pipeline.StateCancelled, state)
}

func TestUnknownTaskResult(t *testing.T) {
	result := pipeline.UnknownTaskResult("bogus")
	reason, retryable, isFail := result.IsFailure()
	assert.True(t, isFail)
	assert.False(t, retryable)
	assert.Equal(t, "unknown-task: bogus", reason)
}
