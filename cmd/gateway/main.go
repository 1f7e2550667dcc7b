// Package main implements the gateway executable: the websocket message
// broker that authenticates clients, gates their destinations, drives
// deployment pipelines, and streams container data exports/imports.
package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
)

// CLI represents the command-line interface.
type CLI struct {
	Debug   bool       `kong:"env='DEBUG',help='Enable debug logging'"`
	Serve   ServeCmd   `kong:"cmd,default=1,help='(default) Serve gateway requests'"`
	Version VersionCmd `kong:"cmd,help='Print version information'"`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.UsageOnError(),
	)
	var log *slog.Logger
	var zlog *zap.Logger
	if cli.Debug {
		log = slog.New(slog.NewJSONHandler(os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelDebug}))
		zlog = zap.Must(zap.NewDevelopment(zap.AddStacktrace(zap.ErrorLevel)))
	} else {
		log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
		zlog = zap.Must(zap.NewProduction())
	}
	defer zlog.Sync() //nolint:errcheck
	kctx.FatalIfErrorf(kctx.Run(log, zlog))
}
