package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
)

// CheckTool probes a single command-line tool's presence and version,
// writing <TOOL>_INSTALLED and <TOOL>_VERSION. Tool is the binary name
// (e.g. "curl", "git", "unzip"); VersionFlag overrides "--version" when a
// tool uses a different flag.
type CheckTool struct {
	Tool        string
	VersionFlag string
}

func (c CheckTool) ID() string                 { return "check_" + c.Tool }
func (c CheckTool) DisplayName() string        { return "Check for " + c.Tool }
func (c CheckTool) RequiresConfirmation() bool { return false }

func (c CheckTool) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	installed, version := probeTool(ctx, cctx, c.Tool, c.versionFlag())
	cctx.Set(cmdcontext.InstalledKey(c.Tool), installed)
	if version != "" {
		cctx.Set(cmdcontext.VersionKey(c.Tool), version)
	}
	emit(cctx, c.ID(), "info", fmt.Sprintf("%s installed=%v version=%q", c.Tool, installed, version))
	return pipeline.Success()
}

func (c CheckTool) versionFlag() string {
	if c.VersionFlag != "" {
		return c.VersionFlag
	}
	return "--version"
}

func probeTool(ctx context.Context, cctx *cmdcontext.Context, tool, versionFlag string) (installed bool, version string) {
	if _, _, err := runRemote(ctx, cctx, "command -v "+tool, 5*time.Second); err != nil {
		return false, ""
	}
	out, _, err := runRemote(ctx, cctx, tool+" "+versionFlag, 5*time.Second)
	if err != nil {
		return true, ""
	}
	return true, out
}

// CheckDocker extends the generic tool probe with a service-active check,
// writing the combined cmdcontext.DockerStatusKey.
type CheckDocker struct{}

func (CheckDocker) ID() string                 { return "check_docker" }
func (CheckDocker) DisplayName() string        { return "Check Docker installation" }
func (CheckDocker) RequiresConfirmation() bool { return false }

func (CheckDocker) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	installed, version := probeTool(ctx, cctx, "docker", "--version")
	serviceRunning := false
	if installed {
		_, _, err := runRemote(ctx, cctx, "systemctl is-active docker", 5*time.Second)
		serviceRunning = err == nil
	}
	status := cmdcontext.DockerStatus{Installed: installed, ServiceRunning: serviceRunning, Version: version}
	cctx.Set(cmdcontext.DockerStatusKey, status)
	emit(cctx, "check_docker", "info", fmt.Sprintf("docker installed=%v running=%v version=%q", installed, serviceRunning, version))
	return pipeline.Success()
}
