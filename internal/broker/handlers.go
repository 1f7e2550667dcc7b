package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
	"github.com/lagoon-gateway/st-orchestrator/internal/sshtransport"
)

// handlerFunc dispatches one SEND frame's body to its destination's
// effect. Errors are reported to the client's error queue rather than
// returned: a handler failure must never take down the channel.
type handlerFunc func(ctx context.Context, b *Broker, ch *channel, body []byte)

// destinationHandlers is the closed inbound routing table spec.md §4.D's
// destination list names.
var destinationHandlers = map[string]handlerFunc{
	"/app/terminal/open":      handleTerminalOpen,
	"/app/terminal/input":     handleTerminalInput,
	"/app/terminal/resize":    handleTerminalResize,
	"/app/deployment/start":   handleDeploymentStart,
	"/app/deployment/confirm": handleDeploymentConfirm,
	"/app/deployment/cancel":  handleDeploymentCancel,
	"/app/data/export":        handleDataExport,
	"/app/data/import":        handleDataImport,
}

func sendError(ch *channel, code, message string) {
	sendJSON(ch, "error", map[string]string{"code": code, "message": message}, critical)
}

type terminalOpenRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Credential string `json:"credential"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

func handleTerminalOpen(ctx context.Context, b *Broker, ch *channel, body []byte) {
	var req terminalOpenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendError(ch, "bad-request", "invalid terminal/open body: "+err.Error())
		return
	}
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}

	sess, err := sshtransport.Connect(ctx, req.Host, req.Port, req.User, sshtransport.Credential{Password: req.Credential})
	if err != nil {
		sendError(ch, "connect-failed", err.Error())
		return
	}
	if err := b.registry.Put(ch.sessionID, sess); err != nil {
		_ = sess.Disconnect()
		sendError(ch, "duplicate-session", err.Error())
		return
	}

	stdin, stdout, err := sess.OpenShell(ctx, sshtransport.DefaultPTY(req.Cols, req.Rows))
	if err != nil {
		sendError(ch, "shell-failed", err.Error())
		return
	}
	ch.setShellStdin(stdin)

	go streamShellOutput(b, ch, stdout)
}

func streamShellOutput(b *Broker, ch *channel, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sendJSON(ch, "terminal/output", map[string]string{
				"data": base64.StdEncoding.EncodeToString(buf[:n]),
			}, droppable)
		}
		if err != nil {
			if err != io.EOF {
				b.log.Debug("shell output stream ended", slog.String("session_id", ch.sessionID), slog.Any("error", err))
			}
			return
		}
		select {
		case <-ch.closed:
			return
		default:
		}
	}
}

type terminalInputRequest struct {
	Data string `json:"data"`
}

func handleTerminalInput(_ context.Context, b *Broker, ch *channel, body []byte) {
	var req terminalInputRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendError(ch, "bad-request", "invalid terminal/input body: "+err.Error())
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		sendError(ch, "bad-request", "invalid base64 in terminal/input: "+err.Error())
		return
	}
	if _, err := ch.writeShellInput(raw); err != nil {
		sendError(ch, "no-shell", err.Error())
	}
	b.registry.Touch(ch.sessionID)
}

type terminalResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
	WPx  int `json:"wpx"`
	HPx  int `json:"hpx"`
}

func handleTerminalResize(_ context.Context, b *Broker, ch *channel, body []byte) {
	var req terminalResizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendError(ch, "bad-request", "invalid terminal/resize body: "+err.Error())
		return
	}
	sess, ok := b.registry.Get(ch.sessionID)
	if !ok {
		sendError(ch, "no-shell", "no active session to resize")
		return
	}
	if err := sess.Resize(req.Cols, req.Rows, req.WPx, req.HPx); err != nil {
		sendError(ch, "resize-failed", err.Error())
	}
}

// deploymentStartPayload is a superset of cmdcontext.DeploymentRequest:
// spec.md's "Docker-missing auto-install" scenario sends /app/deployment/start
// with no preceding /app/terminal/open, so its request must also carry the
// SSH connection parameters terminalOpenRequest otherwise supplies. The
// host/sshPort/user/credential fields are only consulted when ch.sessionID
// has no session registered yet; containerName onward feed the pipeline
// itself via toDeploymentRequest.
type deploymentStartPayload struct {
	Host          string `json:"host"`
	SSHPort       int    `json:"sshPort"`
	User          string `json:"user"`
	Credential    string `json:"credential"`
	ContainerName string `json:"containerName"`
	Image         string `json:"image"`
	Port          int    `json:"port"`
	DataPath      string `json:"dataPath"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}

func (p deploymentStartPayload) toDeploymentRequest() cmdcontext.DeploymentRequest {
	return cmdcontext.DeploymentRequest{
		ContainerName: p.ContainerName,
		Image:         p.Image,
		Port:          p.Port,
		DataPath:      p.DataPath,
		Username:      p.Username,
		Password:      p.Password,
	}
}

type deploymentStartRequest struct {
	TaskName string                 `json:"taskName"`
	Mode     string                 `json:"mode"`
	Request  deploymentStartPayload `json:"request"`
}

func handleDeploymentStart(ctx context.Context, b *Broker, ch *channel, body []byte) {
	var req deploymentStartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendError(ch, "bad-request", "invalid deployment/start body: "+err.Error())
		return
	}
	mode := pipeline.ModeTrust
	if req.Mode == "confirmation" {
		mode = pipeline.ModeConfirmation
	}

	if _, ok := b.registry.Get(ch.sessionID); !ok {
		if req.Request.Host == "" {
			sendError(ch, "no-session", "no active session for this connection, and the request carries no host to connect to")
			return
		}
		sshPort := req.Request.SSHPort
		if sshPort == 0 {
			sshPort = 22
		}
		sess, err := sshtransport.Connect(ctx, req.Request.Host, sshPort, req.Request.User, sshtransport.Credential{Password: req.Request.Credential})
		if err != nil {
			sendError(ch, "connect-failed", err.Error())
			return
		}
		if err := b.registry.Put(ch.sessionID, sess); err != nil {
			_ = sess.Disconnect()
			sendError(ch, "duplicate-session", err.Error())
			return
		}
	}

	sink := cmdcontext.ProgressSinkFunc(func(e cmdcontext.ProgressEvent) {
		sendJSON(ch, "deployment/progress", e, progressPriority(e))
	})

	if err := b.orch.StartPipeline(ctx, ch.sessionID, req.TaskName, req.Request.toDeploymentRequest(), mode, sink); err != nil {
		sendError(ch, "start-failed", err.Error())
		return
	}

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for b.orch.Status(ch.sessionID) == pipeline.StateRunning {
			select {
			case <-ch.closed:
				return
			case <-ticker.C:
			}
		}
		success, summary := pipelineStateToResult(b.orch.Status(ch.sessionID))
		payload := map[string]any{"success": success, "summary": summary}
		if success {
			if access, ok := b.orch.ExternalAccess(ch.sessionID); ok {
				payload["externalAccess"] = access
			}
		}
		sendJSON(ch, "deployment/result", payload, critical)
	}()
}

// progressPriority implements spec.md §5's "drop non-critical progress,
// keep stage transitions and terminal events" rule: a step starting, the
// whole-pipeline completion marker, and any error are critical; routine
// success/skip chatter is droppable.
func progressPriority(e cmdcontext.ProgressEvent) priority {
	if e.Level == "error" || e.Stage == "complete" {
		return critical
	}
	if len(e.Message) >= 9 && e.Message[:9] == "starting " {
		return critical
	}
	return droppable
}

type deploymentConfirmRequest struct {
	StepID string `json:"stepId"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func handleDeploymentConfirm(_ context.Context, b *Broker, ch *channel, body []byte) {
	var req deploymentConfirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendError(ch, "bad-request", "invalid deployment/confirm body: "+err.Error())
		return
	}
	b.orch.HandleConfirmation(ch.sessionID, req.StepID, req.Action, req.Reason)
}

func handleDeploymentCancel(_ context.Context, b *Broker, ch *channel, _ []byte) {
	b.orch.Cancel(ch.sessionID)
}

func handleDataExport(ctx context.Context, b *Broker, ch *channel, _ []byte) {
	if b.data == nil {
		sendError(ch, "not-configured", "data export is not available")
		return
	}
	sink := cmdcontext.ProgressSinkFunc(func(e cmdcontext.ProgressEvent) {
		sendJSON(ch, "data/export-progress", map[string]any{"stage": e.Stage, "message": e.Message}, droppable)
	})
	go func() {
		url, filename, size, expiresAt, err := b.data.Export(ctx, ch.sessionID, sink)
		if err != nil {
			sendError(ch, "export-failed", err.Error())
			return
		}
		sendJSON(ch, "data/export-ready", map[string]any{
			"downloadUrl": url, "filename": filename, "sizeBytes": size, "expiresAt": expiresAt,
		}, critical)
	}()
}

type dataImportRequest struct {
	UploadedFileName string `json:"uploadedFileName"`
}

func handleDataImport(ctx context.Context, b *Broker, ch *channel, body []byte) {
	if b.data == nil {
		sendError(ch, "not-configured", "data import is not available")
		return
	}
	var req dataImportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendError(ch, "bad-request", "invalid data/import body: "+err.Error())
		return
	}
	sink := cmdcontext.ProgressSinkFunc(func(e cmdcontext.ProgressEvent) {
		sendJSON(ch, "data/import-progress", map[string]any{"stage": e.Stage, "message": e.Message}, droppable)
	})
	go func() {
		if err := b.data.Import(ctx, ch.sessionID, req.UploadedFileName, sink); err != nil {
			sendError(ch, "import-failed", err.Error())
		}
	}()
}
