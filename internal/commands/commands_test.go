package commands

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
)

func TestDetectLocationUsesCache(t *testing.T) {
	sink := cmdcontext.ProgressSinkFunc(func(cmdcontext.ProgressEvent) {})
	cctx := cmdcontext.New("sess-cache", nil, sink)
	locationCache.Set(cctx.SessionID, cmdcontext.LocationInfo{CountryCode: "CN", UseChinaMirror: true, Method: "cached"})

	result := DetectLocation{}.Execute(context.Background(), cctx)
	assert.True(t, result.IsSuccess())

	loc, ok := cctx.Get(cmdcontext.LocationInfoKey)
	assert.True(t, ok)
	assert.Equal(t, cmdcontext.LocationInfo{CountryCode: "CN", UseChinaMirror: true, Method: "cached"}, loc)
}

func TestParseOSRelease(t *testing.T) {
	content := "ID=ubuntu\nVERSION_ID=\"22.04\"\nVERSION_CODENAME=jammy\nOTHER=ignored\n"
	fields := parseOSRelease(content)
	assert.Equal(t, "ubuntu", fields["ID"])
	assert.Equal(t, "22.04", fields["VERSION_ID"])
	assert.Equal(t, "jammy", fields["VERSION_CODENAME"])
}

func TestPkgMgrByIDClosedTable(t *testing.T) {
	var testCases = map[string]string{
		"ubuntu":  "apt",
		"debian":  "apt",
		"centos":  "yum",
		"rhel":    "yum",
		"rocky":   "yum",
		"alma":    "yum",
		"fedora":  "dnf",
		"arch":    "pacman",
		"manjaro": "pacman",
		"alpine":  "apk",
	}
	for id, want := range testCases {
		got, ok := pkgMgrByID[id]
		assert.True(t, ok, id)
		assert.Equal(t, want, got, id)
	}
	_, ok := pkgMgrByID["windows-nt"]
	assert.False(t, ok)
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote(`echo 'hi'`)
	assert.Equal(t, `'echo '"'"'hi'"'"''`, got)
}

func TestGeneratePasswordLength(t *testing.T) {
	pw := generatePassword()
	assert.Equal(t, 24, len(pw))
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "third", lastLine("first\nsecond\nthird\n"))
	assert.Equal(t, "only", lastLine("only"))
}

func TestInstallDockerSkipsWhenAlreadyRunning(t *testing.T) {
	sink := cmdcontext.ProgressSinkFunc(func(cmdcontext.ProgressEvent) {})
	cctx := cmdcontext.New("sess-installed", nil, sink)
	cctx.Set(cmdcontext.DockerStatusKey, cmdcontext.DockerStatus{Installed: true, ServiceRunning: true, Version: "24.0.5"})
	cctx.Set(cmdcontext.OSInfoKey, cmdcontext.OSInfo{PkgMgr: cmdcontext.PkgMgrApt, HasRoot: true})

	result := InstallDocker{}.Execute(context.Background(), cctx)
	reason, skipped := result.IsSkipped()
	assert.True(t, skipped)
	assert.Equal(t, "already-installed", reason)
}

func TestInstallDockerFailsFastWithoutRootWhenNotRunning(t *testing.T) {
	sink := cmdcontext.ProgressSinkFunc(func(cmdcontext.ProgressEvent) {})
	cctx := cmdcontext.New("sess-noroot", nil, sink)
	cctx.Set(cmdcontext.DockerStatusKey, cmdcontext.DockerStatus{Installed: false, ServiceRunning: false})
	cctx.Set(cmdcontext.OSInfoKey, cmdcontext.OSInfo{PkgMgr: cmdcontext.PkgMgrApt, HasRoot: false})

	result := InstallDocker{}.Execute(context.Background(), cctx)
	assert.False(t, result.IsSuccess())
}

func TestGeoResponseResolve(t *testing.T) {
	var testCases = map[string]struct {
		resp geoResponse
		want string
	}{
		"country_code field":  {resp: geoResponse{CountryCode: "cn"}, want: "CN"},
		"countryCode field":    {resp: geoResponse{CountryCode2: "us"}, want: "US"},
		"country field":        {resp: geoResponse{Country: "de"}, want: "DE"},
		"empty":                {resp: geoResponse{}, want: ""},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			assert.Equal(tt, tc.want, tc.resp.resolve())
		})
	}
}
