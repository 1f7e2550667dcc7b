package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
)

// mirrorRewriteTimeout bounds the repo-source rewrite plus refresh.
const mirrorRewriteTimeout = 2 * time.Minute

// configBackupRetention bounds how many timestamped backups
// backupConfigFile keeps for a given path; the oldest beyond this count
// are pruned immediately after each new backup (the fixed-count Open
// Question resolution internal/sftpservice's snapshot retention also
// uses).
const configBackupRetention = 5

// backupConfigFile copies path to path.bak.<unix-seconds> and prunes all but
// the configBackupRetention newest backups for that path, in one remote
// call. Callers run this only once they've already decided a rewrite is
// actually going to happen, so a no-op invocation (already rewritten,
// already configured) never accumulates a stray backup. A missing path
// (e.g. daemon.json before Docker has ever been configured) is not an
// error: there's nothing to back up yet.
func backupConfigFile(ctx context.Context, cctx *cmdcontext.Context, path string) error {
	timestamp := timeNowStamp()
	cmd := fmt.Sprintf(
		"( [ -e %s ] && cp %s %s.bak.%s && ls -1t %s.bak.* 2>/dev/null | tail -n +%d | xargs -r rm -f ) || true",
		path, path, path, timestamp, path, configBackupRetention+1,
	)
	_, _, err := runRemote(ctx, cctx, cmd, mirrorRewriteTimeout)
	return err
}

// MirrorConfig holds the regional mirror hosts used when the target
// resolves to mainland China. cmd/gateway passes DefaultMirrorConfig();
// no configuration key overrides these values.
type MirrorConfig struct {
	AptMirrorCN    string
	YumMirrorCN    string
	DockerMirrorCN string
}

// DefaultMirrorConfig returns the mirror hosts used unless overridden by
// configuration.
func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		AptMirrorCN:    "mirrors.aliyun.com",
		YumMirrorCN:    "mirrors.aliyun.com",
		DockerMirrorCN: "https://registry.docker-cn.com",
	}
}

// ConfigureSystemMirrors rewrites the distribution's package repo sources
// to a regional mirror when the target resolves to mainland China.
type ConfigureSystemMirrors struct {
	Mirrors MirrorConfig
}

func (ConfigureSystemMirrors) ID() string                 { return "configure_system_mirrors" }
func (ConfigureSystemMirrors) DisplayName() string        { return "Configure system package mirrors" }
func (ConfigureSystemMirrors) RequiresConfirmation() bool { return false }

func (c ConfigureSystemMirrors) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	loc, ok := cctx.Get(cmdcontext.LocationInfoKey)
	if !ok || !loc.(cmdcontext.LocationInfo).UseChinaMirror {
		return pipeline.Skipped("not-in-china")
	}
	osInfoAny, ok := cctx.Get(cmdcontext.OSInfoKey)
	if !ok {
		return pipeline.Failure("missing OS_INFO precondition", false)
	}
	osInfo := osInfoAny.(cmdcontext.OSInfo)

	sourcePath, rewrite, refresh := c.rewritePlan(osInfo)
	if sourcePath == "" {
		return pipeline.Skipped("mirror rewrite not defined for " + osInfo.PkgMgr)
	}

	alreadyRewritten, _, _ := runRemote(ctx, cctx, fmt.Sprintf("grep -q %q %s && echo yes || echo no", c.mirrorHost(osInfo.PkgMgr), sourcePath), 5*time.Second)
	if strings.TrimSpace(alreadyRewritten) == "yes" {
		return pipeline.Skipped("already-rewritten")
	}

	if err := backupConfigFile(ctx, cctx, sourcePath); err != nil {
		return pipeline.Failure(fmt.Sprintf("couldn't back up %s: %v", sourcePath, err), true)
	}

	wrapped := remoteFlockWrap(rewrite)
	err := withHostLock(ctx, hostLockKey(cctx), func() error {
		_, _, err := runRemote(ctx, cctx, wrapped, mirrorRewriteTimeout)
		return err
	})
	if err != nil {
		return pipeline.Failure(fmt.Sprintf("couldn't rewrite %s: %v", sourcePath, err), true)
	}

	if _, _, err := runRemote(ctx, cctx, refresh, mirrorRewriteTimeout); err != nil {
		return pipeline.Failure(fmt.Sprintf("package manager refresh failed: %v", err), true)
	}
	emit(cctx, "configure_system_mirrors", "info", fmt.Sprintf("rewrote %s for %s", sourcePath, osInfo.PkgMgr))
	return pipeline.Success()
}

func (c ConfigureSystemMirrors) mirrorHost(pkgMgr string) string {
	switch pkgMgr {
	case cmdcontext.PkgMgrApt:
		return c.Mirrors.AptMirrorCN
	case cmdcontext.PkgMgrYum, cmdcontext.PkgMgrDnf:
		return c.Mirrors.YumMirrorCN
	default:
		return ""
	}
}

// rewritePlan returns the source file path, the shell snippet that
// rewrites it, and the refresh command, for osInfo.PkgMgr.
func (c ConfigureSystemMirrors) rewritePlan(osInfo cmdcontext.OSInfo) (sourcePath, rewrite, refresh string) {
	switch osInfo.PkgMgr {
	case cmdcontext.PkgMgrApt:
		host := c.Mirrors.AptMirrorCN
		path := "/etc/apt/sources.list"
		return path, fmt.Sprintf(
			"sed -i -E 's#(archive|security)\\.ubuntu\\.com#%s#g; s#deb\\.debian\\.org#%s#g' %s",
			host, host, path), "apt-get update"
	case cmdcontext.PkgMgrYum, cmdcontext.PkgMgrDnf:
		host := c.Mirrors.YumMirrorCN
		path := "/etc/yum.repos.d/*.repo"
		return path, fmt.Sprintf("sed -i -E 's#mirrorlist=#\\#mirrorlist=#g; s#^#baseurl=https://%s/#' %s", host, path), osInfo.PkgMgr + " makecache"
	case cmdcontext.PkgMgrPacman:
		path := "/etc/pacman.d/mirrorlist"
		return path, fmt.Sprintf("sed -i '1i Server = https://%s/archlinux/$repo/os/$arch' %s", c.Mirrors.YumMirrorCN, path), "pacman -Sy"
	case cmdcontext.PkgMgrApk:
		path := "/etc/apk/repositories"
		return path, fmt.Sprintf("sed -i 's#dl-cdn.alpinelinux.org#%s/alpine#g' %s", c.Mirrors.AptMirrorCN, path), "apk update"
	default:
		return "", "", ""
	}
}

func timeNowStamp() string {
	return fmt.Sprintf("%d", timeNowUnix())
}

func timeNowUnix() int64 { return timeNow().Unix() }

// ConfigureDockerMirror writes registry-mirrors into
// /etc/docker/daemon.json, merging with any existing keys, and reloads
// the daemon. Idempotent.
type ConfigureDockerMirror struct {
	Mirrors MirrorConfig
}

func (ConfigureDockerMirror) ID() string                 { return "configure_docker_mirror" }
func (ConfigureDockerMirror) DisplayName() string        { return "Configure Docker registry mirror" }
func (ConfigureDockerMirror) RequiresConfirmation() bool { return false }

func (c ConfigureDockerMirror) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	loc, _ := cctx.Get(cmdcontext.LocationInfoKey)
	useChina := false
	if li, ok := loc.(cmdcontext.LocationInfo); ok {
		useChina = li.UseChinaMirror
	}

	var mirrorsJSON string
	if useChina {
		mirrorsJSON = fmt.Sprintf(`["%s"]`, c.Mirrors.DockerMirrorCN)
	} else {
		mirrorsJSON = "[]"
	}

	const path = "/etc/docker/daemon.json"
	current, _, _ := runRemote(ctx, cctx, "cat "+path+" 2>/dev/null || echo '{}'", 5*time.Second)
	if strings.Contains(current, mirrorsJSON) {
		return pipeline.Skipped("already-configured")
	}

	mergeScript := fmt.Sprintf(
		`python3 -c "import json,sys; d=json.load(open('%s')) if __import__('os').path.exists('%s') else {}; d['registry-mirrors']=%s; json.dump(d, open('%s','w'), indent=2)" || `+
			`(echo '{\"registry-mirrors\": %s}' > %s)`,
		path, path, mirrorsJSON, path, mirrorsJSON, path)

	if err := backupConfigFile(ctx, cctx, path); err != nil {
		return pipeline.Failure(fmt.Sprintf("couldn't back up %s: %v", path, err), true)
	}

	wrapped := remoteFlockWrap(mergeScript)
	err := withHostLock(ctx, hostLockKey(cctx), func() error {
		_, _, err := runRemote(ctx, cctx, wrapped, mirrorRewriteTimeout)
		return err
	})
	if err != nil {
		return pipeline.Failure(fmt.Sprintf("couldn't write %s: %v", path, err), true)
	}

	if _, _, err := runRemote(ctx, cctx, "systemctl reload docker || kill -HUP $(pidof dockerd) 2>/dev/null || true", 30*time.Second); err != nil {
		emit(cctx, "configure_docker_mirror", "warn", fmt.Sprintf("daemon reload reported an error (continuing): %v", err))
	}
	emit(cctx, "configure_docker_mirror", "info", "docker registry mirror configured")
	return pipeline.Success()
}
