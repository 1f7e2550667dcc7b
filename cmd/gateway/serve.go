package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lagoon-gateway/st-orchestrator/internal/authn"
	"github.com/lagoon-gateway/st-orchestrator/internal/authz"
	"github.com/lagoon-gateway/st-orchestrator/internal/broker"
	"github.com/lagoon-gateway/st-orchestrator/internal/bus"
	"github.com/lagoon-gateway/st-orchestrator/internal/commands"
	"github.com/lagoon-gateway/st-orchestrator/internal/metrics"
	"github.com/lagoon-gateway/st-orchestrator/internal/orchestrator"
	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
	"github.com/lagoon-gateway/st-orchestrator/internal/sftpservice"
	"github.com/lagoon-gateway/st-orchestrator/internal/signalctx"
)

const (
	metricsPort = ":9912"

	maxUploadBytes = 2 << 30 // keep in step with sftpservice's default import ceiling
)

// ServeCmd represents the serve command.
type ServeCmd struct {
	ListenAddr      string        `kong:"default=':8080',env='LISTEN_ADDR',help='Address the websocket/HTTP gateway listens on'"`
	NATSServer      string        `kong:"env='NATS_URL',help='NATS server URL (nats://... or tls://...); lifecycle events are skipped if unset'"`
	JWKSURL         string        `kong:"required,env='JWKS_URL',help='JWKS endpoint used to verify admin bearer tokens'"`
	AllowAnonymous  bool          `kong:"default='true',env='ALLOW_ANONYMOUS',help='Allow unauthenticated terminal-only connections'"`
	SessionIdleTime time.Duration `kong:"default='30m',env='SESSION_IDLE_TIME',help='Idle duration after which a registry session is swept'"`
	DownloadBaseURL string        `kong:"default='',env='DOWNLOAD_BASE_URL',help='Base URL clients use to reach this gateway for downloads'"`
	UploadDir       string        `kong:"env='UPLOAD_DIR',help='Directory uploaded import archives are staged in'"`
}

// Run the serve command to handle gateway websocket connections.
func (cmd *ServeCmd) Run(log *slog.Logger, zlog *zap.Logger) error {
	ctx, cancel := signalctx.GetContext()
	defer cancel()

	var publisher *bus.Publisher
	if cmd.NATSServer != "" {
		p, err := bus.Connect(log, cmd.NATSServer)
		if err != nil {
			return fmt.Errorf("couldn't connect to NATS: %w", err)
		}
		defer p.Close()
		publisher = p
	}

	authenticator, err := authn.New(ctx, cmd.JWKSURL, authn.WithAnonymousAllowed(cmd.AllowAnonymous))
	if err != nil {
		return fmt.Errorf("couldn't construct authenticator: %w", err)
	}

	policy := authz.NewPolicy()
	reg := registry.New(registry.WithIdleTimeout(cmd.SessionIdleTime), registry.WithLogger(log))
	defer reg.Close()

	orch := orchestrator.New(reg, zlog, commands.DefaultMirrorConfig())

	uploadDir := cmd.UploadDir
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return fmt.Errorf("couldn't create upload directory: %w", err)
	}
	sftpCfg := sftpservice.DefaultConfig()
	sftpCfg.UploadDir = uploadDir
	sftpCfg.DownloadBaseURL = cmd.DownloadBaseURL
	data := sftpservice.New(reg, orch, sftpCfg)
	defer data.Close()

	b := broker.New(authenticator, policy, reg, orch, data, publisher, log, broker.DefaultConfig())
	defer b.Shutdown()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(b, log))
	mux.HandleFunc("/upload", uploadHandler(uploadDir, log))
	mux.HandleFunc("/download/", downloadHandler(data, log))

	srv := &http.Server{
		Addr:         cmd.ListenAddr,
		Handler:      mux,
		ReadTimeout:  0, // websocket upgrades and large uploads outlive a fixed read deadline
		WriteTimeout: 0,
	}

	eg, ctx := errgroup.WithContext(ctx)
	metrics.Serve(ctx, eg, metricsPort)
	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway server exited with error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(timeoutCtx)
	})
	return eg.Wait()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func wsHandler(b *broker.Broker, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		if err := b.ServeConn(r.Context(), conn, r.RemoteAddr); err != nil {
			log.Debug("channel closed", slog.String("error", err.Error()))
		}
	}
}

// uploadHandler accepts a single multipart file under the "archive" field
// and stages it under a random name inside uploadDir, returning that name
// so the client can reference it in a subsequent data/import frame.
func uploadHandler(uploadDir string, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, _, err := r.FormFile("archive")
		if err != nil {
			http.Error(w, "missing archive field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		name := uuid.NewString() + ".zip"
		dst, err := os.Create(filepath.Join(uploadDir, name))
		if err != nil {
			log.Error("couldn't create upload destination", slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer dst.Close()

		if _, err := io.Copy(dst, file); err != nil {
			log.Warn("upload copy failed", slog.String("error", err.Error()))
			http.Error(w, "upload failed", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"uploadedFileName":%q}`, name)
	}
}

// downloadHandler serves the one-time-download archive a prior
// data/export produced. The token is consumed on first successful read,
// so a repeated request for the same URL returns 410 Gone.
func downloadHandler(data *sftpservice.Service, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Path[len("/download/"):]
		if token == "" {
			http.NotFound(w, r)
			return
		}
		f, artifact, err := data.Download(token)
		if err != nil {
			http.Error(w, "download unavailable: "+err.Error(), http.StatusGone)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
		if _, err := io.Copy(w, f); err != nil {
			log.Warn("download stream interrupted", slog.String("error", err.Error()))
		}
	}
}
