// Package pipeline runs an ordered list of Commands against a shared
// cmdcontext.Context, handling confirmation gating, retry with backoff,
// cancellation, and structured progress emission.
//
// Tracing follows the teacher's internal/server span-per-unit-of-work
// pattern (otel.Tracer(pkgName).Start / defer span.End per command).
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
)

const pkgName = "github.com/lagoon-gateway/st-orchestrator/internal/pipeline"

// Mode selects whether a pipeline pauses for operator confirmation or
// drives itself through recoverable failures automatically.
type Mode string

// Recognized pipeline modes.
const (
	ModeTrust        Mode = "trust"
	ModeConfirmation Mode = "confirmation"
)

// resultKind is the closed tag of a CommandResult.
type resultKind int

const (
	kindSuccess resultKind = iota
	kindSkipped
	kindFailure
)

// CommandResult is the tagged-variant outcome of executing one Command.
// Construct one via Success, Skipped, or Failure; inspect via the
// IsSuccess, IsSkipped and IsFailure accessors rather than comparing fields directly, since only the fields
// relevant to the tag are populated.
type CommandResult struct {
	kind      resultKind
	reason    string
	retryable bool
}

// Success reports that a command completed normally.
func Success() CommandResult { return CommandResult{kind: kindSuccess} }

// Skipped reports that a command determined its own work was unnecessary
// (e.g. ConfigureSystemMirrors outside China).
func Skipped(reason string) CommandResult { return CommandResult{kind: kindSkipped, reason: reason} }

// Failure reports that a command failed. retryable controls whether the
// pipeline runner will retry it in trust mode.
func Failure(reason string, retryable bool) CommandResult {
	return CommandResult{kind: kindFailure, reason: reason, retryable: retryable}
}

// IsSuccess reports whether r is a Success result.
func (r CommandResult) IsSuccess() bool { return r.kind == kindSuccess }

// IsSkipped reports whether r is a Skipped result, and if so its reason.
func (r CommandResult) IsSkipped() (string, bool) { return r.reason, r.kind == kindSkipped }

// IsFailure reports whether r is a Failure result, and if so its reason
// and retry disposition.
func (r CommandResult) IsFailure() (string, bool, bool) {
	return r.reason, r.retryable, r.kind == kindFailure
}

// Command is one discrete, independently retryable step in a pipeline.
type Command interface {
	// ID is a stable identifier, e.g. "docker_installation".
	ID() string
	// DisplayName is the human-readable label shown in confirmation and
	// progress messages.
	DisplayName() string
	// RequiresConfirmation reports whether this command must pause for
	// operator sign-off in confirmation mode.
	RequiresConfirmation() bool
	// Execute runs the command against ctx. It must honour ctx.Done() at
	// every point where it blocks on I/O.
	Execute(ctx context.Context, cctx *cmdcontext.Context) CommandResult
}

// Confirmer resolves pending-confirmation suspensions. The orchestrator
// implements this with one channel per pipeline run that
// HandleConfirmation writes to; the stepID is not used to route replies.
type Confirmer interface {
	// AwaitConfirmation blocks until the operator replies to stepID, the
	// confirmation wait timeout elapses, or ctx is cancelled. The returned
	// string is one of "confirm", "skip", "cancel", or "timeout" when ctx
	// ends first; Run treats any value other than the first three as a
	// timed-out confirmation.
	AwaitConfirmation(ctx context.Context, stepID string) (action string, reason string)
}

// State is the terminal or in-flight status of a pipeline run.
type State string

// Recognized pipeline states, matching spec.md's state machine.
const (
	StateIdle            State = "idle"
	StateRunning          State = "running"
	StateWaitingConfirm   State = "waiting-confirm"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// retryBase and defaultRetries implement the default R=1 retry with
// base-1s doubling backoff for retryable trust-mode failures.
const (
	retryBase    = time.Second
	defaultRetries = 1
	confirmationWaitTimeout = 10 * time.Minute
)

// Run executes commands in order against cctx, in the given mode, using
// confirmer to resolve confirmation suspensions, emitting ProgressEvents
// to cctx.Progress, and reporting the final State.
func Run(ctx context.Context, log *zap.Logger, cmds []Command, cctx *cmdcontext.Context, mode Mode, confirmer Confirmer) State {
	n := len(cmds)
	for i, cmd := range cmds {
		if cctx.Cancelled() || ctx.Err() != nil {
			return StateCancelled
		}

		percent := 100 * i / n
		cctx.Progress.Progress(cmdcontext.ProgressEvent{
			Stage: cmd.ID(), Percent: percent, Level: "info",
			Message: "starting " + cmd.DisplayName(),
		})

		if mode == ModeConfirmation && cmd.RequiresConfirmation() {
			action, reason := confirmer.AwaitConfirmation(withTimeout(ctx, cctx), cmd.ID())
			switch action {
			case "skip":
				cctx.Progress.Progress(cmdcontext.ProgressEvent{
					Stage: cmd.ID(), Percent: percent, Level: "warn",
					Message: "skipped: " + reason,
				})
				continue
			case "cancel":
				return failPipeline(cctx, cmd.ID(), "cancelled by operator")
			case "confirm":
				// fall through to execute
			default:
				return failPipeline(cctx, cmd.ID(), "confirmation timed out")
			}
		}

		result := runOneWithTracing(ctx, log, cmd, cctx)

		if result.IsSuccess() {
			cctx.Progress.Progress(cmdcontext.ProgressEvent{
				Stage: cmd.ID(), Percent: percent, Level: "info",
				Message: cmd.DisplayName() + " succeeded",
			})
			continue
		}
		if reason, ok := result.IsSkipped(); ok {
			cctx.Progress.Progress(cmdcontext.ProgressEvent{
				Stage: cmd.ID(), Percent: percent, Level: "warn",
				Message: "skipped: " + reason,
			})
			continue
		}

		reason, retryable, _ := result.IsFailure()
		if retryable && mode == ModeTrust {
			result = retryCommand(ctx, log, cmd, cctx, defaultRetries)
			if result.IsSuccess() {
				continue
			}
			reason, retryable, _ = result.IsFailure()
		}

		if retryable && mode == ModeConfirmation {
			action, confirmReason := confirmer.AwaitConfirmation(withTimeout(ctx, cctx), cmd.ID())
			if action == "confirm" {
				result = runOneWithTracing(ctx, log, cmd, cctx)
				if result.IsSuccess() {
					continue
				}
				reason, _, _ = result.IsFailure()
			} else if action == "skip" {
				cctx.Progress.Progress(cmdcontext.ProgressEvent{
					Stage: cmd.ID(), Percent: percent, Level: "warn",
					Message: "skipped: " + confirmReason,
				})
				continue
			}
		}

		if cctx.Cancelled() {
			return StateCancelled
		}
		return failPipeline(cctx, cmd.ID(), reason)
	}

	cctx.Progress.Progress(cmdcontext.ProgressEvent{Stage: "complete", Percent: 100, Level: "info", Message: "pipeline complete"})
	return StateCompleted
}

func withTimeout(parent context.Context, cctx *cmdcontext.Context) context.Context {
	ctx, _ := cctx.WithCancel(parent)
	ctx, _ = context.WithTimeout(ctx, confirmationWaitTimeout)
	return ctx
}

func failPipeline(cctx *cmdcontext.Context, stepID, reason string) State {
	cctx.Progress.Progress(cmdcontext.ProgressEvent{Stage: stepID, Level: "error", Message: reason})
	if cctx.Cancelled() {
		return StateCancelled
	}
	return StateFailed
}

func runOneWithTracing(ctx context.Context, log *zap.Logger, cmd Command, cctx *cmdcontext.Context) CommandResult {
	spanCtx, span := otel.Tracer(pkgName).Start(ctx, cmd.ID())
	defer span.End()

	if cctx.Cancelled() {
		span.SetStatus(codes.Error, "cancelled")
		return Failure("cancelled", false)
	}

	result := cmd.Execute(spanCtx, cctx)
	if reason, retryable, isFail := result.IsFailure(); isFail {
		span.SetStatus(codes.Error, reason)
		log.Warn("command failed", zap.String("command", cmd.ID()), zap.String("reason", reason), zap.Bool("retryable", retryable))
	}
	return result
}

// retryCommand retries cmd up to attempts times with base-1s doubling
// backoff, honoring cancellation between attempts.
func retryCommand(ctx context.Context, log *zap.Logger, cmd Command, cctx *cmdcontext.Context, attempts int) CommandResult {
	backoff := retryBase
	var result CommandResult
	for i := 0; i < attempts; i++ {
		select {
		case <-cctx.Done():
			return Failure("cancelled", false)
		case <-time.After(backoff):
		}
		result = runOneWithTracing(ctx, log, cmd, cctx)
		if result.IsSuccess() {
			return result
		}
		reason, retryable, _ := result.IsFailure()
		log.Info("retrying command", zap.String("command", cmd.ID()), zap.Int("attempt", i+1), zap.String("reason", reason))
		if !retryable {
			break
		}
		backoff *= 2
	}
	return result
}

// UnknownTaskResult builds the Failure(unknown-task, retryable=false)
// result from spec.md §4.H for an unrecognized taskName. The
// orchestrator does not call it: its StartPipeline reports an unknown
// task as a plain error with the same "unknown-task: <name>" text.
func UnknownTaskResult(taskName string) CommandResult {
	return Failure(fmt.Sprintf("unknown-task: %s", taskName), false)
}
