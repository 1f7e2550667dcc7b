package sftpservice

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
)

func TestValidateArchiveAcceptsWellFormedArchive(t *testing.T) {
	path := writeTestZip(t, map[string]string{"data/file.txt": "hello"})
	zr, err := validateArchive(path, 1<<20)
	assert.NoError(t, err)
	defer zr.Close()
}

func TestValidateArchiveRejectsMissingDataDir(t *testing.T) {
	path := writeTestZip(t, map[string]string{"other/file.txt": "hello"})
	_, err := validateArchive(path, 1<<20)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "archive structure invalid")
}

func TestValidateArchiveRejectsOversizedArchive(t *testing.T) {
	path := writeTestZip(t, map[string]string{"data/file.txt": "hello world"})
	_, err := validateArchive(path, 3)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "archive structure invalid")
}

func TestValidateArchiveRejectsNonZipFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-zip.zip")
	assert.NoError(t, os.WriteFile(path, []byte("not a zip file"), 0o644))
	_, err := validateArchive(path, 1<<20)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "archive structure invalid")
}

func writeTestZip(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.zip")
	f, err := os.Create(path)
	assert.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, contents := range files {
		w, err := zw.Create(name)
		assert.NoError(t, err)
		_, err = w.Write([]byte(contents))
		assert.NoError(t, err)
	}
	assert.NoError(t, zw.Close())
	return path
}

func TestProgressThrottleDropsWithinInterval(t *testing.T) {
	var events []cmdcontext.ProgressEvent
	sink := cmdcontext.ProgressSinkFunc(func(e cmdcontext.ProgressEvent) {
		events = append(events, e)
	})
	throttle := newProgressThrottle(sink, time.Hour)
	throttle.emit(cmdcontext.ProgressEvent{Message: "first"}, false)
	throttle.emit(cmdcontext.ProgressEvent{Message: "second"}, false)
	assert.Equal(t, 1, len(events))
	assert.Equal(t, "first", events[0].Message)
}

func TestProgressThrottleForceAlwaysEmits(t *testing.T) {
	var events []cmdcontext.ProgressEvent
	sink := cmdcontext.ProgressSinkFunc(func(e cmdcontext.ProgressEvent) {
		events = append(events, e)
	})
	throttle := newProgressThrottle(sink, time.Hour)
	throttle.emit(cmdcontext.ProgressEvent{Message: "first"}, true)
	throttle.emit(cmdcontext.ProgressEvent{Message: "second"}, true)
	assert.Equal(t, 2, len(events))
}

func TestSweepExpiredFilesRemovesOnlyStaleArchives(t *testing.T) {
	dir := t.TempDir()
	fresh := filepath.Join(dir, "export-fresh.zip")
	stale := filepath.Join(dir, "export-stale.zip")
	assert.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	assert.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	old := time.Now().Add(-2 * time.Hour)
	assert.NoError(t, os.Chtimes(stale, old, old))

	s := New(nil, nil, Config{TempDir: dir, ExportTTL: time.Hour})
	defer s.Close()
	s.sweepExpiredFiles()

	_, err := os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(stale)
	assert.Error(t, err)
}

func TestDownloadConsumesTokenOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export-artifact.zip")
	assert.NoError(t, os.WriteFile(path, []byte("archive contents"), 0o644))

	s := New(nil, nil, DefaultConfig())
	defer s.Close()
	s.artifacts.Set("tok", &ExportArtifact{
		Filename:      "site-data.zip",
		DownloadToken: "tok",
		ExpiresAt:     time.Now().Add(time.Hour),
		localPath:     path,
	})

	f, artifact, err := s.Download("tok")
	assert.NoError(t, err)
	assert.Equal(t, "site-data.zip", artifact.Filename)
	f.Close()

	_, _, err = s.Download("tok")
	assert.Error(t, err)
}

func TestDownloadUnknownTokenFails(t *testing.T) {
	s := New(nil, nil, DefaultConfig())
	defer s.Close()
	_, _, err := s.Download("does-not-exist")
	assert.Error(t, err)
}
