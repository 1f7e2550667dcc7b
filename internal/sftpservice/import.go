package sftpservice

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/errkind"
	"github.com/lagoon-gateway/st-orchestrator/internal/sshtransport"
)

// validateArchive opens the uploaded zip at localPath and checks the
// structural requirements spec.md §4.I names: a readable archive
// containing a top-level data/ directory, with total uncompressed size
// under the configured ceiling.
func validateArchive(localPath string, maxBytes int64) (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(localPath)
	if err != nil {
		return nil, errkind.New(errkind.Data, false, fmt.Errorf("archive structure invalid: not a valid zip archive: %w", err))
	}
	hasDataDir := false
	var total int64
	for _, f := range zr.File {
		if f.Name == "data/" || strings.HasPrefix(f.Name, "data/") {
			hasDataDir = true
		}
		total += int64(f.UncompressedSize64)
	}
	if !hasDataDir {
		zr.Close()
		return nil, errkind.New(errkind.Data, false, fmt.Errorf("archive structure invalid: missing top-level data/ directory"))
	}
	if total > maxBytes {
		zr.Close()
		return nil, errkind.New(errkind.Data, false, fmt.Errorf("archive structure invalid: uncompressed size %d exceeds ceiling %d", total, maxBytes))
	}
	return zr, nil
}

// Import validates uploadedFileName (a file already placed in
// s.cfg.UploadDir by the HTTP upload endpoint cmd/gateway exposes
// alongside the download one) and atomically replaces the target
// session's container data directory with its contents, following spec.md
// §4.I's snapshot/stop/extract/swap/start/verify/rollback sequence.
func (s *Service) Import(ctx context.Context, sessionID, uploadedFileName string, sink cmdcontext.ProgressSink) error {
	lock := s.sessionLock(sessionID)
	if !lock.TryLock() {
		return errkind.New(errkind.Data, false, fmt.Errorf("an import or export is already in progress for this session"))
	}
	defer lock.Unlock()

	sess, req, err := s.sessionTarget(sessionID)
	if err != nil {
		return err
	}

	throttle := newProgressThrottle(sink, s.cfg.ProgressInterval)
	throttle.emit(cmdcontext.ProgressEvent{Stage: "import", Level: "info", Message: "validating archive"}, true)

	localPath := s.cfg.UploadDir + string(os.PathSeparator) + uploadedFileName
	zr, err := validateArchive(localPath, s.cfg.MaxImportBytes)
	if err != nil {
		return err
	}
	defer zr.Close()

	dataPath, err := resolveMount(ctx, sess, req.ContainerName)
	if err != nil {
		return err
	}

	suffix := timestampSuffix()
	snapshotPath := dataPath + ".bak." + suffix
	stagingPath := dataPath + ".staging." + suffix

	throttle.emit(cmdcontext.ProgressEvent{Stage: "import", Level: "info", Message: "snapshotting current data"}, true)
	if _, err := execRemote(ctx, sess, fmt.Sprintf("cp -a %s %s", dataPath, snapshotPath), 2*time.Minute); err != nil {
		return errkind.New(errkind.Data, false, fmt.Errorf("couldn't snapshot data directory: %w", err))
	}

	throttle.emit(cmdcontext.ProgressEvent{Stage: "import", Level: "info", Message: "stopping container"}, true)
	if _, err := execRemote(ctx, sess, "docker stop "+req.ContainerName, 30*time.Second); err != nil {
		return s.rollback(ctx, sess, req.ContainerName, dataPath, snapshotPath, stagingPath,
			fmt.Errorf("couldn't stop container: %w", err))
	}

	throttle.emit(cmdcontext.ProgressEvent{Stage: "import", Level: "info", Message: "extracting archive"}, true)
	if err := s.extractStaging(ctx, sess, zr, stagingPath); err != nil {
		return s.rollback(ctx, sess, req.ContainerName, dataPath, snapshotPath, stagingPath, err)
	}

	throttle.emit(cmdcontext.ProgressEvent{Stage: "import", Level: "info", Message: "swapping in new data"}, true)
	swapCmd := fmt.Sprintf("rm -rf %s && mv %s %s", dataPath, stagingPath, dataPath)
	if _, err := execRemote(ctx, sess, swapCmd, 2*time.Minute); err != nil {
		return s.rollback(ctx, sess, req.ContainerName, dataPath, snapshotPath, stagingPath,
			fmt.Errorf("couldn't swap staging into place: %w", err))
	}

	throttle.emit(cmdcontext.ProgressEvent{Stage: "import", Level: "info", Message: "starting container"}, true)
	if _, err := execRemote(ctx, sess, "docker start "+req.ContainerName, 30*time.Second); err != nil {
		return s.rollbackFromSwapped(ctx, sess, req.ContainerName, dataPath, snapshotPath,
			fmt.Errorf("couldn't start container: %w", err))
	}

	if !s.verifyHealth(ctx, sess, req) {
		return s.rollbackFromSwapped(ctx, sess, req.ContainerName, dataPath, snapshotPath,
			fmt.Errorf("container failed health verification after import"))
	}

	s.retainSnapshots(ctx, sess, dataPath)
	throttle.emit(cmdcontext.ProgressEvent{Stage: "import", Level: "info", Message: "import complete"}, true)
	return nil
}

// extractStaging creates stagingPath remotely and uploads every archive
// entry under it via the SFTP subchannel, stripping the archive's
// top-level "data/" prefix.
func (s *Service) extractStaging(ctx context.Context, sess *sshtransport.Session, zr *zip.ReadCloser, stagingPath string) error {
	if _, err := execRemote(ctx, sess, "mkdir -p "+stagingPath, 30*time.Second); err != nil {
		return fmt.Errorf("couldn't create staging directory: %w", err)
	}
	sftpClient, err := sess.OpenSftp()
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		rel := strings.TrimPrefix(f.Name, "data/")
		if rel == "" || strings.HasSuffix(f.Name, "/") {
			continue
		}
		remotePath := stagingPath + "/" + rel
		if dir := parentDir(remotePath); dir != "" {
			if _, err := execRemote(ctx, sess, "mkdir -p "+dir, 30*time.Second); err != nil {
				return fmt.Errorf("couldn't create %s: %w", dir, err)
			}
		}
		if err := uploadZipEntry(sftpClient, f, remotePath); err != nil {
			return fmt.Errorf("couldn't upload %s: %w", rel, err)
		}
	}
	return nil
}

func uploadZipEntry(client *sftp.Client, f *zip.File, remotePath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	wf, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	defer wf.Close()
	_, err = wf.ReadFrom(rc)
	return err
}

func parentDir(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return ""
	}
	return p[:idx]
}

// rollback restores dataPath from snapshotPath, removes the staging
// directory if any, restarts the container, and returns the classified
// Data error spec.md's "rollback-applied" result names.
func (s *Service) rollback(ctx context.Context, sess *sshtransport.Session, containerName, dataPath, snapshotPath, stagingPath string, cause error) error {
	_, _ = execRemote(ctx, sess, "rm -rf "+stagingPath, 30*time.Second)
	_, _ = execRemote(ctx, sess, fmt.Sprintf("rm -rf %s && cp -a %s %s", dataPath, snapshotPath, dataPath), 2*time.Minute)
	_, _ = execRemote(ctx, sess, "docker start "+containerName, 30*time.Second)
	return errkind.New(errkind.Data, false, fmt.Errorf("rollback-applied: %w", cause))
}

// rollbackFromSwapped undoes a swap that already happened (the staging dir
// no longer exists as such — it is now dataPath) by restoring the
// snapshot in its place.
func (s *Service) rollbackFromSwapped(ctx context.Context, sess *sshtransport.Session, containerName, dataPath, snapshotPath string, cause error) error {
	_, _ = execRemote(ctx, sess, "docker stop "+containerName, 30*time.Second)
	_, _ = execRemote(ctx, sess, fmt.Sprintf("rm -rf %s && cp -a %s %s", dataPath, snapshotPath, dataPath), 2*time.Minute)
	_, _ = execRemote(ctx, sess, "docker start "+containerName, 30*time.Second)
	return errkind.New(errkind.Data, false, fmt.Errorf("rollback-applied: %w", cause))
}

func (s *Service) verifyHealth(ctx context.Context, sess *sshtransport.Session, req cmdcontext.DeploymentRequest) bool {
	result, err := sess.Exec(ctx,
		fmt.Sprintf(`docker ps --filter "name=^%s$" --format '{{.Names}}'`, req.ContainerName),
		nil, 10*time.Second)
	if err != nil || result.ExitCode != 0 || strings.TrimSpace(string(result.Stdout)) != req.ContainerName {
		return false
	}
	code, err := sess.Exec(ctx,
		fmt.Sprintf(`curl -sS -o /dev/null -w "%%{http_code}" http://127.0.0.1:%d/`, req.Port),
		nil, 10*time.Second)
	if err != nil || code.ExitCode != 0 {
		return false
	}
	httpCode := strings.TrimSpace(string(code.Stdout))
	return httpCode == "200" || strings.HasPrefix(httpCode, "3")
}

// retainSnapshots keeps the newest SnapshotRetention "<dataPath>.bak.*"
// directories and removes the rest, oldest first, per the Open Question
// this repo resolved toward a fixed snapshot count.
func (s *Service) retainSnapshots(ctx context.Context, sess *sshtransport.Session, dataPath string) {
	result, err := execRemote(ctx, sess, fmt.Sprintf("ls -1d %s.bak.* 2>/dev/null", dataPath), 10*time.Second)
	if err != nil {
		return
	}
	var names []string
	for _, line := range strings.Split(result, "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	if len(names) <= s.cfg.SnapshotRetention {
		return
	}
	sort.Strings(names) // the ".bak.<unixnano>" suffix sorts chronologically
	toDelete := names[:len(names)-s.cfg.SnapshotRetention]
	for _, n := range toDelete {
		_, _ = execRemote(ctx, sess, "rm -rf "+n, 30*time.Second)
	}
}

func execRemote(ctx context.Context, sess *sshtransport.Session, command string, timeout time.Duration) (string, error) {
	result, err := sess.Exec(ctx, command, nil, timeout)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", errkind.RemoteExitCode(result.ExitCode, string(result.Stderr))
	}
	return strings.TrimRight(string(result.Stdout), "\r\n"), nil
}
