package cmdcontext_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
)

func TestSetGetRoundTrip(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	ctx := cmdcontext.New("sess-1", reg, cmdcontext.ProgressSinkFunc(func(cmdcontext.ProgressEvent) {}))

	info := cmdcontext.OSInfo{ID: "ubuntu", PkgMgr: cmdcontext.PkgMgrApt}
	ctx.Set(cmdcontext.OSInfoKey, info)

	got, ok := ctx.Get(cmdcontext.OSInfoKey)
	assert.True(t, ok)
	assert.Equal(t, info, got.(cmdcontext.OSInfo))
}

func TestCancelIdempotentAndObservable(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	ctx := cmdcontext.New("sess-2", reg, cmdcontext.ProgressSinkFunc(func(cmdcontext.ProgressEvent) {}))

	assert.False(t, ctx.Cancelled())
	ctx.Cancel()
	ctx.Cancel() // must not panic on double cancel
	assert.True(t, ctx.Cancelled())

	select {
	case <-ctx.Done():
	default:
		t.Fatal("Done channel should be closed after Cancel")
	}
}

func TestInstalledAndVersionKeys(t *testing.T) {
	assert.Equal(t, "DOCKER_INSTALLED", cmdcontext.InstalledKey("docker"))
	assert.Equal(t, "DOCKER_VERSION", cmdcontext.VersionKey("docker"))
}

func TestSessionLookupMiss(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	ctx := cmdcontext.New("unregistered", reg, cmdcontext.ProgressSinkFunc(func(cmdcontext.ProgressEvent) {}))
	_, ok := ctx.Session()
	assert.False(t, ok)
}
