package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
)

// pullImageTimeout allows for large image pulls (spec.md §5 override).
const pullImageTimeout = 15 * time.Minute

// PullImage runs `docker pull <image>`, streaming output lines as
// progress messages.
type PullImage struct{}

func (PullImage) ID() string                 { return "pull_image" }
func (PullImage) DisplayName() string        { return "Pull container image" }
func (PullImage) RequiresConfirmation() bool { return false }

func (PullImage) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	reqAny, ok := cctx.Get(cmdcontext.DeploymentRequestKey)
	if !ok {
		return pipeline.Failure("missing DEPLOYMENT_REQUEST precondition", false)
	}
	req := reqAny.(cmdcontext.DeploymentRequest)

	stdout, _, err := runRemote(ctx, cctx, "docker pull "+req.Image, pullImageTimeout)
	if err != nil {
		return pipeline.Failure(fmt.Sprintf("docker pull failed: %v", err), true)
	}
	for _, line := range strings.Split(stdout, "\n") {
		if line != "" {
			emit(cctx, "pull_image", "info", line)
		}
	}
	return pipeline.Success()
}

// CreateContainer creates the data directory and starts the container
// detached, mounting the data path and publishing the requested port.
type CreateContainer struct{}

func (CreateContainer) ID() string                 { return "create_container" }
func (CreateContainer) DisplayName() string        { return "Create container" }
func (CreateContainer) RequiresConfirmation() bool { return false }

func (CreateContainer) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	reqAny, ok := cctx.Get(cmdcontext.DeploymentRequestKey)
	if !ok {
		return pipeline.Failure("missing DEPLOYMENT_REQUEST precondition", false)
	}
	req := reqAny.(cmdcontext.DeploymentRequest)

	if _, _, err := runRemote(ctx, cctx, "mkdir -p "+req.DataPath, 30*time.Second); err != nil {
		return pipeline.Failure(fmt.Sprintf("couldn't create data path: %v", err), true)
	}

	runCmd := fmt.Sprintf(
		"docker run -d --name %s -p %d:8000 -v %s:/home/node/app/data --restart unless-stopped %s",
		req.ContainerName, req.Port, req.DataPath, req.Image,
	)
	if _, _, err := runRemote(ctx, cctx, runCmd, 2*time.Minute); err != nil {
		return pipeline.Failure(fmt.Sprintf("docker run failed: %v", err), true)
	}
	emit(cctx, "create_container", "info", fmt.Sprintf("container %s created on port %d", req.ContainerName, req.Port))
	return pipeline.Success()
}

// Verify confirms the container is running and responds over HTTP.
type Verify struct{}

func (Verify) ID() string                 { return "verify" }
func (Verify) DisplayName() string        { return "Verify deployment" }
func (Verify) RequiresConfirmation() bool { return false }

func (Verify) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	reqAny, ok := cctx.Get(cmdcontext.DeploymentRequestKey)
	if !ok {
		return pipeline.Failure("missing DEPLOYMENT_REQUEST precondition", false)
	}
	req := reqAny.(cmdcontext.DeploymentRequest)

	psOut, _, err := runRemote(ctx, cctx, fmt.Sprintf(`docker ps --filter "name=^%s$" --format '{{.Names}}'`, req.ContainerName), 10*time.Second)
	if err != nil || strings.TrimSpace(psOut) != req.ContainerName {
		return pipeline.Failure("container is not running", true)
	}

	codeOut, _, err := runRemote(ctx, cctx,
		fmt.Sprintf(`curl -sS -o /dev/null -w "%%{http_code}" http://127.0.0.1:%d/`, req.Port), 10*time.Second)
	if err != nil {
		return pipeline.Failure(fmt.Sprintf("health probe failed: %v", err), true)
	}
	code := strings.TrimSpace(codeOut)
	if !(code == "200" || strings.HasPrefix(code, "3")) {
		return pipeline.Failure(fmt.Sprintf("health probe returned HTTP %s", code), true)
	}
	emit(cctx, "verify", "info", fmt.Sprintf("container %s healthy (HTTP %s)", req.ContainerName, code))
	return pipeline.Success()
}

// ConfigureExternalAccess persists generated or caller-supplied
// credentials to the container's config file and restarts it.
type ConfigureExternalAccess struct {
	PublicHost string
}

func (ConfigureExternalAccess) ID() string                 { return "configure_external_access" }
func (ConfigureExternalAccess) DisplayName() string        { return "Configure external access" }
func (ConfigureExternalAccess) RequiresConfirmation() bool { return true }

func (c ConfigureExternalAccess) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	reqAny, ok := cctx.Get(cmdcontext.DeploymentRequestKey)
	if !ok {
		return pipeline.Failure("missing DEPLOYMENT_REQUEST precondition", false)
	}
	req := reqAny.(cmdcontext.DeploymentRequest)

	username := req.Username
	if username == "" {
		username = "admin"
	}
	password := req.Password
	if password == "" {
		password = generatePassword()
	}

	configYAML := fmt.Sprintf("username: %s\npassword: %s\n", username, password)
	writeCmd := fmt.Sprintf("cat > %s/config.yaml <<'EOF'\n%sEOF", req.DataPath, configYAML)
	if _, _, err := runRemote(ctx, cctx, writeCmd, 10*time.Second); err != nil {
		return pipeline.Failure(fmt.Sprintf("couldn't write config.yaml: %v", err), true)
	}

	if _, _, err := runRemote(ctx, cctx, "docker restart "+req.ContainerName, 30*time.Second); err != nil {
		return pipeline.Failure(fmt.Sprintf("couldn't restart container: %v", err), true)
	}

	host := c.PublicHost
	if host == "" {
		host = "127.0.0.1"
	}
	access := cmdcontext.ExternalAccess{
		URL:      fmt.Sprintf("http://%s:%d/", host, req.Port),
		Username: username,
		Password: password,
	}
	cctx.Set(cmdcontext.ExternalAccessKey, access)
	emit(cctx, "configure_external_access", "info", "external access configured")
	return pipeline.Success()
}

func generatePassword() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
