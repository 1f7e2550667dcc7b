// Package sftpservice implements the gateway's data export/import surface
// (spec.md §4.I): streaming a target container's data directory out to a
// downloadable archive, and atomically replacing it from an uploaded one.
// It satisfies internal/broker's DataService interface.
//
// The remote-command shape (resolve a fact via `docker inspect`, run a
// shell snippet, classify the exit code) follows internal/commands/exec.go
// and internal/commands/deploy.go; the SFTP subchannel usage follows
// internal/sshtransport's OpenSftp, generalized from the single-file
// uploads the retrieval pack's SSH clients do to a recursive directory
// walk.
package sftpservice

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/lagoon-gateway/st-orchestrator/internal/cache"
	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/errkind"
	"github.com/lagoon-gateway/st-orchestrator/internal/orchestrator"
	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
	"github.com/lagoon-gateway/st-orchestrator/internal/sshtransport"
)

func init() {
	// Register klauspost/compress's flate with archive/zip's Deflate
	// method id so Export/Import use the faster implementation for both
	// directions; zip's two built-in methods are Store and Deflate, and
	// spec.md §4.I names both explicitly.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// containerDataMount is the in-container path CreateContainer mounts the
// host data directory onto (internal/commands/deploy.go).
const containerDataMount = "/home/node/app/data"

// Config tunes artifact lifetime, import size ceiling, and snapshot
// retention. Defaults match spec.md §4.I/§5.
type Config struct {
	ExportTTL         time.Duration
	MaxImportBytes    int64
	SnapshotRetention int
	TempDir           string
	UploadDir         string
	DownloadBaseURL   string
	ProgressInterval  time.Duration
}

// DefaultConfig returns spec.md's documented defaults: a 1h export artifact
// lifetime, a 2 GiB import ceiling, and 5 retained snapshots (the Open
// Question this repo resolved toward a fixed count rather than a duration).
func DefaultConfig() Config {
	return Config{
		ExportTTL:         time.Hour,
		MaxImportBytes:    2 << 30,
		SnapshotRetention: 5,
		TempDir:           os.TempDir(),
		UploadDir:         os.TempDir(),
		DownloadBaseURL:   "",
		ProgressInterval:  200 * time.Millisecond,
	}
}

// ExportArtifact is the downloadable result of one Export call.
type ExportArtifact struct {
	Filename       string
	SizeBytes      int64
	CompressedSize int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
	DownloadToken  string

	localPath string
	consumed  bool
}

// Service implements internal/broker.DataService.
type Service struct {
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	cfg      Config

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
	artifacts    *cache.Map[string, *ExportArtifact]

	stop chan struct{}
	once sync.Once
}

// New constructs a Service and starts its expired-export janitor.
// Artifacts themselves expire lazily through internal/cache's TTL map
// (the same cache the teacher uses for its own short-lived lookups,
// generalized here from a single shared value/keyed map of simple types
// to one keyed by download token); the janitor only needs to reclaim the
// disk space a lazily-expired artifact leaves behind.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator, cfg Config) *Service {
	s := &Service{
		registry:     reg,
		orch:         orch,
		cfg:          cfg,
		sessionLocks: map[string]*sync.Mutex{},
		artifacts:    cache.NewMap[string, *ExportArtifact](cache.MapWithTTL[string, *ExportArtifact](cfg.ExportTTL)),
		stop:         make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the artifact sweeper.
func (s *Service) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessionLocks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.sessionLocks[sessionID] = m
	}
	return m
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepExpiredFiles()
		}
	}
}

// sweepExpiredFiles removes export archives left over from artifacts the
// cache has already expired. It works from disk rather than the cache
// (which, like internal/cache's other uses, doesn't enumerate its
// entries) by age alone: any export-*.zip file older than the configured
// TTL is no longer reachable through a live token.
func (s *Service) sweepExpiredFiles() {
	matches, err := filepath.Glob(filepath.Join(s.cfg.TempDir, "export-*.zip"))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.ExportTTL)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

// Download resolves a one-time download token to its artifact's file,
// marking the token consumed so a second download attempt fails (spec.md's
// "one-time download token"). The caller (cmd/gateway's HTTP handler) is
// responsible for streaming and closing the returned file.
func (s *Service) Download(token string) (*os.File, ExportArtifact, error) {
	a, ok := s.artifacts.Get(token)
	if ok {
		s.mu.Lock()
		if a.consumed {
			ok = false
		} else {
			a.consumed = true
		}
		s.mu.Unlock()
	}
	if !ok {
		return nil, ExportArtifact{}, errkind.New(errkind.Data, false, fmt.Errorf("unknown or already-used download token"))
	}
	f, err := os.Open(a.localPath)
	if err != nil {
		return nil, ExportArtifact{}, errkind.New(errkind.Data, false, fmt.Errorf("couldn't open export artifact: %w", err))
	}
	return f, *a, nil
}

// progressThrottle rate-limits ProgressEvent emission (spec.md §4.I): it
// forwards at most one unforced event per interval (200ms by default, so
// at most 5 Hz) and always forwards a forced one. It only emits when
// called, so it sets no minimum rate: a stretch with no calls produces
// no events.
type progressThrottle struct {
	sink     cmdcontext.ProgressSink
	interval time.Duration
	last     time.Time
	mu       sync.Mutex
}

func newProgressThrottle(sink cmdcontext.ProgressSink, interval time.Duration) *progressThrottle {
	return &progressThrottle{sink: sink, interval: interval}
}

func (p *progressThrottle) emit(e cmdcontext.ProgressEvent, force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !force && time.Since(p.last) < p.interval {
		return
	}
	p.last = time.Now()
	p.sink.Progress(e)
}

// resolveMount asks the target's Docker daemon which host directory is
// mounted onto containerDataMount for containerName, rather than trusting
// the deployment request's recorded DataPath to still be accurate.
func resolveMount(ctx context.Context, sess *sshtransport.Session, containerName string) (string, error) {
	cmd := fmt.Sprintf(
		`docker inspect -f '{{range .Mounts}}{{if eq .Destination "%s"}}{{.Source}}{{end}}{{end}}' %s`,
		containerDataMount, containerName,
	)
	result, err := sess.Exec(ctx, cmd, nil, 10*time.Second)
	if err != nil {
		return "", errkind.New(errkind.Data, true, fmt.Errorf("docker inspect failed: %w", err))
	}
	if result.ExitCode != 0 {
		return "", errkind.RemoteExitCode(result.ExitCode, string(result.Stderr))
	}
	src := strings.TrimSpace(string(result.Stdout))
	if src == "" {
		return "", errkind.New(errkind.Data, false, fmt.Errorf("container %s has no mount at %s", containerName, containerDataMount))
	}
	return src, nil
}

// sessionTarget resolves sessionID's live SSH session and its most
// recently started deployment request, both required before export or
// import can proceed.
func (s *Service) sessionTarget(sessionID string) (*sshtransport.Session, cmdcontext.DeploymentRequest, error) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return nil, cmdcontext.DeploymentRequest{}, errkind.New(errkind.Data, false, fmt.Errorf("no active SSH session for %s", sessionID))
	}
	req, ok := s.orch.DeploymentRequest(sessionID)
	if !ok {
		return nil, cmdcontext.DeploymentRequest{}, errkind.New(errkind.Data, false, fmt.Errorf("no deployment on record for %s", sessionID))
	}
	return sess, req, nil
}

func timestampSuffix() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
