package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
)

// installStepTimeout bounds each package-manager install sub-step.
const installStepTimeout = 10 * time.Minute

// InstallDocker is the deployment orchestrator's core gap fix: when
// CheckDocker reports Docker missing or not running, this command installs
// and starts it, dispatching per package manager.
type InstallDocker struct {
	Mirrors MirrorConfig
}

func (InstallDocker) ID() string                 { return "install_docker" }
func (InstallDocker) DisplayName() string        { return "Install Docker" }
func (InstallDocker) RequiresConfirmation() bool { return true }

func (c InstallDocker) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	statusAny, ok := cctx.Get(cmdcontext.DockerStatusKey)
	if !ok {
		return pipeline.Failure("missing DOCKER_STATUS precondition", false)
	}
	status := statusAny.(cmdcontext.DockerStatus)
	osInfoAny, ok := cctx.Get(cmdcontext.OSInfoKey)
	if !ok {
		return pipeline.Failure("missing OS_INFO precondition", false)
	}
	osInfo := osInfoAny.(cmdcontext.OSInfo)

	if status.Installed && status.ServiceRunning {
		return pipeline.Skipped("already-installed")
	}

	if status.Installed && !status.ServiceRunning {
		emit(cctx, c.ID(), "info", "docker installed but not running, attempting start")
		if _, _, err := runRemote(ctx, cctx, "systemctl start docker && systemctl enable docker", installStepTimeout); err == nil {
			if reprobeRunning(ctx, cctx) {
				cctx.Set(cmdcontext.DockerStatusKey, cmdcontext.DockerStatus{Installed: true, ServiceRunning: true, Version: status.Version})
				return pipeline.Success()
			}
		}
		emit(cctx, c.ID(), "warn", "start attempt failed, falling back to full install")
	}

	if !osInfo.HasRoot {
		return pipeline.Failure("need-sudo", false)
	}

	loc, _ := cctx.Get(cmdcontext.LocationInfoKey)
	useChina := false
	if li, ok := loc.(cmdcontext.LocationInfo); ok {
		useChina = li.UseChinaMirror
	}

	var err error
	switch osInfo.PkgMgr {
	case cmdcontext.PkgMgrApt:
		err = c.installApt(ctx, cctx, osInfo, useChina)
	case cmdcontext.PkgMgrYum, cmdcontext.PkgMgrDnf:
		err = c.installYumDnf(ctx, cctx, osInfo, useChina)
	case cmdcontext.PkgMgrPacman:
		_, _, err = runRemote(ctx, cctx, "pacman -S --noconfirm docker docker-compose", installStepTimeout)
	case cmdcontext.PkgMgrApk:
		err = c.installApk(ctx, cctx)
	default:
		return pipeline.Failure(fmt.Sprintf("no install plan for package manager %s", osInfo.PkgMgr), false)
	}
	if err != nil {
		return pipeline.Failure(fmt.Sprintf("install-failed: %v", err), true)
	}

	if err := c.enableAndStart(ctx, cctx, osInfo); err != nil {
		return pipeline.Failure(fmt.Sprintf("install-failed: couldn't enable/start service: %v", err), true)
	}

	_, _, verErr := runRemote(ctx, cctx, "docker --version", 10*time.Second)
	running := reprobeRunning(ctx, cctx)
	if verErr != nil || !running {
		logs, _, _ := runRemote(ctx, cctx, "journalctl -u docker --no-pager -n 50 2>/dev/null || true", 10*time.Second)
		return pipeline.Failure(fmt.Sprintf("install-failed: docker --version or service check failed after install; logs: %s", logs), true)
	}

	cctx.Set(cmdcontext.DockerStatusKey, cmdcontext.DockerStatus{Installed: true, ServiceRunning: true})
	emit(cctx, c.ID(), "info", "docker installed and running")
	return pipeline.Success()
}

func reprobeRunning(ctx context.Context, cctx *cmdcontext.Context) bool {
	_, _, err := runRemote(ctx, cctx, "systemctl is-active docker", 5*time.Second)
	return err == nil
}

func (c InstallDocker) installApt(ctx context.Context, cctx *cmdcontext.Context, osInfo cmdcontext.OSInfo, useChina bool) error {
	steps := []string{
		"apt-get remove -y docker docker-engine docker.io containerd runc || true",
		"apt-get update",
		"apt-get install -y apt-transport-https ca-certificates curl gnupg lsb-release",
	}
	gpgURL := "https://download.docker.com/linux/ubuntu/gpg"
	repoHost := "download.docker.com"
	if useChina {
		gpgURL = "https://mirrors.aliyun.com/docker-ce/linux/ubuntu/gpg"
		repoHost = "mirrors.aliyun.com/docker-ce"
	}
	steps = append(steps,
		fmt.Sprintf("curl -fsSL %s | gpg --dearmor -o /usr/share/keyrings/docker-archive-keyring.gpg", gpgURL),
		fmt.Sprintf(
			`echo "deb [arch=$(dpkg --print-architecture) signed-by=/usr/share/keyrings/docker-archive-keyring.gpg] https://%s/linux/%s %s stable" > /etc/apt/sources.list.d/docker.list`,
			repoHost, osInfo.ID, osInfo.Codename),
		"apt-get update",
		"apt-get install -y docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin",
	)
	return c.runSteps(ctx, cctx, steps)
}

func (c InstallDocker) installYumDnf(ctx context.Context, cctx *cmdcontext.Context, osInfo cmdcontext.OSInfo, useChina bool) error {
	repoURL := "https://download.docker.com/linux/centos/docker-ce.repo"
	if useChina {
		repoURL = "https://mirrors.aliyun.com/docker-ce/linux/centos/docker-ce.repo"
	}
	steps := []string{
		fmt.Sprintf("%s install -y yum-utils", osInfo.PkgMgr),
		fmt.Sprintf("yum-config-manager --add-repo %s || %s config-manager --add-repo %s", repoURL, osInfo.PkgMgr, repoURL),
		fmt.Sprintf("%s install -y docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin", osInfo.PkgMgr),
	}
	return c.runSteps(ctx, cctx, steps)
}

func (c InstallDocker) installApk(ctx context.Context, cctx *cmdcontext.Context) error {
	steps := []string{
		"apk add docker docker-compose",
		"rc-update add docker boot",
		"service docker start",
	}
	return c.runSteps(ctx, cctx, steps)
}

func (c InstallDocker) enableAndStart(ctx context.Context, cctx *cmdcontext.Context, osInfo cmdcontext.OSInfo) error {
	if osInfo.PkgMgr == cmdcontext.PkgMgrApk {
		_, _, err := runRemote(ctx, cctx, "service docker start && rc-update add docker boot", installStepTimeout)
		return err
	}
	_, _, err := runRemote(ctx, cctx, "systemctl enable docker && systemctl start docker", installStepTimeout)
	return err
}

// runSteps executes each shell fragment in order, emitting a progress
// event per sub-step so an operator can diagnose exactly which one failed.
func (c InstallDocker) runSteps(ctx context.Context, cctx *cmdcontext.Context, steps []string) error {
	for i, step := range steps {
		select {
		case <-cctx.Done():
			return fmt.Errorf("cancelled")
		default:
		}
		emit(cctx, "install_docker", "info", fmt.Sprintf("step %d/%d: %s", i+1, len(steps), step))
		if _, stderr, err := runRemote(ctx, cctx, step, installStepTimeout); err != nil {
			return fmt.Errorf("step %d/%d (%s) failed: %w: %s", i+1, len(steps), step, err, stderr)
		}
	}
	return nil
}
