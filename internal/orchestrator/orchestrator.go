// Package orchestrator composes the command library into the closed set
// of named deployment pipelines and manages one pipeline run per session.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/commands"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
)

// Task names, a closed set; order within each is contractual (spec.md
// §4.H).
const (
	TaskFullSetup           = "full_setup"
	TaskInitializeEnv       = "initialize_environment" // alias of full_setup
	TaskCheckEnvironment    = "check_environment"
	TaskConfigureMirrors    = "configure_mirrors"
	TaskDeploy              = "deploy"
)

func taskCommands(task string, mirrors commands.MirrorConfig) ([]pipeline.Command, bool) {
	switch task {
	case TaskFullSetup, TaskInitializeEnv:
		return []pipeline.Command{
			commands.DetectOs{}, commands.DetectLocation{},
			commands.CheckTool{Tool: "curl"}, commands.CheckTool{Tool: "unzip"}, commands.CheckTool{Tool: "git"},
			commands.CheckDocker{},
			commands.ConfigureSystemMirrors{Mirrors: mirrors},
			commands.ConfigureDockerMirror{Mirrors: mirrors},
		}, true
	case TaskCheckEnvironment:
		return []pipeline.Command{
			commands.DetectOs{}, commands.DetectLocation{},
			commands.CheckTool{Tool: "curl"}, commands.CheckTool{Tool: "unzip"}, commands.CheckTool{Tool: "git"},
			commands.CheckDocker{},
		}, true
	case TaskConfigureMirrors:
		return []pipeline.Command{
			commands.DetectOs{}, commands.DetectLocation{},
			commands.ConfigureSystemMirrors{Mirrors: mirrors},
			commands.ConfigureDockerMirror{Mirrors: mirrors},
		}, true
	case TaskDeploy:
		return []pipeline.Command{
			commands.DetectOs{}, commands.DetectLocation{},
			commands.ConfigureSystemMirrors{Mirrors: mirrors},
			commands.CheckDocker{},
			commands.InstallDocker{Mirrors: mirrors},
			commands.ConfigureDockerMirror{Mirrors: mirrors},
			commands.PullImage{}, commands.CreateContainer{}, commands.Verify{},
			commands.ConfigureExternalAccess{},
		}, true
	default:
		return nil, false
	}
}

// run tracks one active pipeline for a session.
type run struct {
	state     pipeline.State
	cancel    func()
	confirmCh chan confirmReply
	cctx      *cmdcontext.Context
}

type confirmReply struct {
	action string
	reason string
}

// sessionConfirmer implements pipeline.Confirmer for a single run, backed
// by a channel handleConfirmation writes to.
type sessionConfirmer struct {
	ch chan confirmReply
}

func (c sessionConfirmer) AwaitConfirmation(ctx context.Context, _ string) (string, string) {
	select {
	case reply := <-c.ch:
		return reply.action, reply.reason
	case <-ctx.Done():
		return "timeout", "confirmation wait timed out"
	}
}

// Orchestrator runs at most one pipeline per session at a time; distinct
// sessions run fully in parallel and in isolation (spec.md property 8).
type Orchestrator struct {
	mu       sync.Mutex
	runs     map[string]*run
	registry *registry.Registry
	log      *zap.Logger
	mirrors  commands.MirrorConfig
}

// New constructs an Orchestrator backed by reg for session lookups.
func New(reg *registry.Registry, log *zap.Logger, mirrors commands.MirrorConfig) *Orchestrator {
	return &Orchestrator{
		runs:     map[string]*run{},
		registry: reg,
		log:      log,
		mirrors:  mirrors,
	}
}

// StartPipeline begins taskName's pipeline for sessionID, feeding progress
// to sink. It returns an error synchronously for an unknown task or a
// second concurrent start on the same session; otherwise it runs the
// pipeline to completion in a new goroutine.
func (o *Orchestrator) StartPipeline(ctx context.Context, sessionID, taskName string, request cmdcontext.DeploymentRequest, mode pipeline.Mode, sink cmdcontext.ProgressSink) error {
	cmds, known := taskCommands(taskName, o.mirrors)
	if !known {
		return fmt.Errorf("unknown-task: %s", taskName)
	}

	o.mu.Lock()
	if existing, ok := o.runs[sessionID]; ok && existing.state == pipeline.StateRunning {
		o.mu.Unlock()
		return fmt.Errorf("busy: pipeline already running for session %s", sessionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	cctx := cmdcontext.New(sessionID, o.registry, sink)
	cctx.Set(cmdcontext.DeploymentRequestKey, request)
	cancelRun := func() { cancel(); cctx.Cancel() }
	r := &run{state: pipeline.StateRunning, cancel: cancelRun, confirmCh: make(chan confirmReply, 1), cctx: cctx}
	o.runs[sessionID] = r
	o.mu.Unlock()

	go func() {
		state := pipeline.Run(runCtx, o.log, cmds, cctx, mode, sessionConfirmer{ch: r.confirmCh})
		o.mu.Lock()
		r.state = state
		o.mu.Unlock()
	}()
	return nil
}

// HandleConfirmation resolves the pending confirmation for sessionID, or
// is a no-op if no pipeline is waiting. stepID is accepted for protocol
// symmetry (spec.md's confirm frame carries it) but a session has at most
// one outstanding confirmation at a time, so it is not otherwise
// consulted.
func (o *Orchestrator) HandleConfirmation(sessionID, stepID, action, reason string) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok || r.state != pipeline.StateRunning {
		return
	}
	select {
	case r.confirmCh <- confirmReply{action: action, reason: reason}:
	default:
	}
}

// Cancel fires the cancel token for sessionID's active pipeline, if any.
func (o *Orchestrator) Cancel(sessionID string) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Status returns the current pipeline.State for sessionID, or
// pipeline.StateIdle if no pipeline has ever run for it.
func (o *Orchestrator) Status(sessionID string) pipeline.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[sessionID]
	if !ok {
		return pipeline.StateIdle
	}
	return r.state
}

// ExternalAccess returns the ExternalAccess value ConfigureExternalAccess
// recorded for sessionID's most recent pipeline run, if any.
func (o *Orchestrator) ExternalAccess(sessionID string) (cmdcontext.ExternalAccess, bool) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return cmdcontext.ExternalAccess{}, false
	}
	v, ok := r.cctx.Get(cmdcontext.ExternalAccessKey)
	if !ok {
		return cmdcontext.ExternalAccess{}, false
	}
	access, ok := v.(cmdcontext.ExternalAccess)
	return access, ok
}

// DeploymentRequest returns the DeploymentRequest StartPipeline was given
// for sessionID's most recent run, if any. internal/sftpservice uses this
// to learn which container and data path a session's export/import should
// target, the same way ExternalAccess lets the broker read back a
// pipeline's result.
func (o *Orchestrator) DeploymentRequest(sessionID string) (cmdcontext.DeploymentRequest, bool) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return cmdcontext.DeploymentRequest{}, false
	}
	v, ok := r.cctx.Get(cmdcontext.DeploymentRequestKey)
	if !ok {
		return cmdcontext.DeploymentRequest{}, false
	}
	req, ok := v.(cmdcontext.DeploymentRequest)
	return req, ok
}
