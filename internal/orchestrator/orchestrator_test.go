package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/commands"
	"github.com/lagoon-gateway/st-orchestrator/internal/orchestrator"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
)

func TestUnknownTaskRejectedSynchronously(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	o := orchestrator.New(reg, zap.NewNop(), commands.DefaultMirrorConfig())

	sink := cmdcontext.ProgressSinkFunc(func(cmdcontext.ProgressEvent) {})
	err := o.StartPipeline(context.Background(), "sess-1", "bogus_task", cmdcontext.DeploymentRequest{}, pipeline.ModeTrust, sink)
	assert.Error(t, err)
}

func TestStatusIdleForUnknownSession(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	o := orchestrator.New(reg, zap.NewNop(), commands.DefaultMirrorConfig())
	assert.Equal(t, pipeline.StateIdle, o.Status("never-started"))
}

func TestSecondStartWhileRunningIsBusy(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	o := orchestrator.New(reg, zap.NewNop(), commands.DefaultMirrorConfig())

	sink := cmdcontext.ProgressSinkFunc(func(cmdcontext.ProgressEvent) {})
	// check_environment will fail quickly at DetectOs since there's no
	// registered session, but StartPipeline itself returns synchronously
	// before that happens, which is what this test exercises: the busy
	// check is a property of StartPipeline's synchronous return, not of
	// the pipeline's eventual terminal state.
	err := o.StartPipeline(context.Background(), "sess-2", orchestrator.TaskCheckEnvironment, cmdcontext.DeploymentRequest{}, pipeline.ModeTrust, sink)
	assert.NoError(t, err)

	err = o.StartPipeline(context.Background(), "sess-2", orchestrator.TaskCheckEnvironment, cmdcontext.DeploymentRequest{}, pipeline.ModeTrust, sink)
	assert.Error(t, err)

	// allow the background goroutine to reach a terminal state before the
	// registry is closed out from under it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.Status("sess-2") != pipeline.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleConfirmationNoopWithoutRun(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	o := orchestrator.New(reg, zap.NewNop(), commands.DefaultMirrorConfig())
	o.HandleConfirmation("no-such-session", "step", "confirm", "") // must not panic
}
