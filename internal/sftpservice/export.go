package sftpservice

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/errkind"
)

// countingWriter tracks total bytes written through it so Export can emit
// byte-count progress without re-stating the archive.
type countingWriter struct {
	w     io.Writer
	total *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.total += int64(n)
	return n, err
}

// Export streams containerName's data directory (resolved through `docker
// inspect`, not the deployment request's possibly-stale DataPath) into a
// zip archive on local disk, reporting throttled byte-count progress, and
// registers the result as a one-time-download ExportArtifact.
func (s *Service) Export(ctx context.Context, sessionID string, sink cmdcontext.ProgressSink) (string, string, int64, time.Time, error) {
	lock := s.sessionLock(sessionID)
	if !lock.TryLock() {
		return "", "", 0, time.Time{}, errkind.New(errkind.Data, false, fmt.Errorf("an import or export is already in progress for this session"))
	}
	defer lock.Unlock()

	sess, req, err := s.sessionTarget(sessionID)
	if err != nil {
		return "", "", 0, time.Time{}, err
	}

	throttle := newProgressThrottle(sink, s.cfg.ProgressInterval)
	throttle.emit(cmdcontext.ProgressEvent{Stage: "export", Level: "info", Message: "resolving data mount"}, true)

	mountSrc, err := resolveMount(ctx, sess, req.ContainerName)
	if err != nil {
		return "", "", 0, time.Time{}, err
	}

	sftpClient, err := sess.OpenSftp()
	if err != nil {
		return "", "", 0, time.Time{}, err
	}

	localPath := s.cfg.TempDir + string(os.PathSeparator) + "export-" + uuid.NewString() + ".zip"
	localFile, err := os.Create(localPath)
	if err != nil {
		return "", "", 0, time.Time{}, errkind.New(errkind.Data, false, fmt.Errorf("couldn't create local export file: %w", err))
	}
	defer localFile.Close()

	var uncompressedTotal int64
	zw := zip.NewWriter(localFile)

	walkErr := sftpWalk(sftpClient, mountSrc, func(remotePath string, info fs.FileInfo) error {
		if info.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(remotePath, mountSrc), "/")
		entryName := path.Join("data", rel)

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = entryName
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}

		rf, err := sftpClient.Open(remotePath)
		if err != nil {
			return fmt.Errorf("couldn't open %s: %w", remotePath, err)
		}
		defer rf.Close()

		cw := &countingWriter{w: w, total: &uncompressedTotal}
		if _, err := io.Copy(cw, rf); err != nil {
			return fmt.Errorf("couldn't copy %s: %w", remotePath, err)
		}
		throttle.emit(cmdcontext.ProgressEvent{
			Stage: "export", Level: "info",
			Message: fmt.Sprintf("exported %d bytes (%s)", uncompressedTotal, rel),
		}, false)
		return nil
	})
	if walkErr != nil {
		zw.Close()
		os.Remove(localPath)
		return "", "", 0, time.Time{}, errkind.New(errkind.Data, false, fmt.Errorf("export failed: %w", walkErr))
	}
	if err := zw.Close(); err != nil {
		os.Remove(localPath)
		return "", "", 0, time.Time{}, errkind.New(errkind.Data, false, fmt.Errorf("couldn't finalize archive: %w", err))
	}

	stat, err := localFile.Stat()
	if err != nil {
		os.Remove(localPath)
		return "", "", 0, time.Time{}, errkind.New(errkind.Data, false, fmt.Errorf("couldn't stat export archive: %w", err))
	}

	now := time.Now()
	artifact := &ExportArtifact{
		Filename:       req.ContainerName + "-data.zip",
		SizeBytes:      uncompressedTotal,
		CompressedSize: stat.Size(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.ExportTTL),
		DownloadToken:  uuid.NewString(),
		localPath:      localPath,
	}
	s.artifacts.Set(artifact.DownloadToken, artifact)

	throttle.emit(cmdcontext.ProgressEvent{Stage: "export", Level: "info", Message: "export ready"}, true)

	return s.cfg.DownloadBaseURL + "/download/" + artifact.DownloadToken, artifact.Filename, artifact.SizeBytes, artifact.ExpiresAt, nil
}

// sftpWalk recursively visits every regular file and directory under root
// on the SFTP subchannel, in lexical order, calling fn for each.
func sftpWalk(client *sftp.Client, root string, fn func(path string, info fs.FileInfo) error) error {
	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("walk error at %s: %w", walker.Path(), err)
		}
		if err := fn(walker.Path(), walker.Stat()); err != nil {
			return err
		}
	}
	return nil
}
