package commands

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lagoon-gateway/st-orchestrator/internal/cache"
	"github.com/lagoon-gateway/st-orchestrator/internal/cmdcontext"
	"github.com/lagoon-gateway/st-orchestrator/internal/pipeline"
)

// locationCacheTTL bounds how long a session's resolved LocationInfo is
// reused without re-probing the geo endpoints. A session that runs
// check_environment and later full_setup shouldn't pay the round trip
// twice.
const locationCacheTTL = 10 * time.Minute

// locationCache holds the most recently resolved LocationInfo per
// session, keyed by cmdcontext.Context.SessionID.
var locationCache = cache.NewMap[string, cmdcontext.LocationInfo](
	cache.MapWithTTL[string, cmdcontext.LocationInfo](locationCacheTTL),
)

// pkgMgrByID is the closed OS-ID -> package-manager table spec.md §4.G
// defines.
var pkgMgrByID = map[string]string{
	"ubuntu":  cmdcontext.PkgMgrApt,
	"debian":  cmdcontext.PkgMgrApt,
	"centos":  cmdcontext.PkgMgrYum,
	"rhel":    cmdcontext.PkgMgrYum,
	"rocky":   cmdcontext.PkgMgrYum,
	"alma":    cmdcontext.PkgMgrYum,
	"fedora":  cmdcontext.PkgMgrDnf,
	"arch":    cmdcontext.PkgMgrPacman,
	"manjaro": cmdcontext.PkgMgrPacman,
	"alpine":  cmdcontext.PkgMgrApk,
}

// DetectOs reads /etc/os-release and host facts, populating
// cmdcontext.OSInfoKey.
type DetectOs struct{}

func (DetectOs) ID() string                 { return "detect_os" }
func (DetectOs) DisplayName() string        { return "Detect operating system" }
func (DetectOs) RequiresConfirmation() bool { return false }

func (DetectOs) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	osRelease, _, err := runRemote(ctx, cctx, "cat /etc/os-release", 0)
	if err != nil {
		return pipeline.Failure(fmt.Sprintf("couldn't read /etc/os-release: %v", err), false)
	}
	fields := parseOSRelease(osRelease)
	pkgMgr, ok := pkgMgrByID[fields["ID"]]
	if !ok {
		return pipeline.Failure(fmt.Sprintf("unsupported-os: %s", fields["ID"]), false)
	}

	hasRoot := probeRoot(ctx, cctx)
	cores := probeInt(ctx, cctx, "nproc")
	memMB := probeMemMB(ctx, cctx)
	diskMB := probeDiskMB(ctx, cctx)

	cctx.Set(cmdcontext.OSInfoKey, cmdcontext.OSInfo{
		ID:        fields["ID"],
		VersionID: fields["VERSION_ID"],
		Codename:  fields["VERSION_CODENAME"],
		PkgMgr:    pkgMgr,
		HasRoot:   hasRoot,
		CPUCores:  cores,
		MemMB:     memMB,
		DiskMB:    diskMB,
	})
	emit(cctx, "detect_os", "info", fmt.Sprintf("detected %s %s (%s)", fields["ID"], fields["VERSION_ID"], pkgMgr))
	return pipeline.Success()
}

func parseOSRelease(content string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := line[:eq]
		val := strings.Trim(line[eq+1:], `"`)
		fields[key] = val
	}
	return fields
}

func probeRoot(ctx context.Context, cctx *cmdcontext.Context) bool {
	if _, _, err := runRemote(ctx, cctx, "sudo -n true", 5*time.Second); err == nil {
		return true
	}
	out, _, err := runRemote(ctx, cctx, "id -u", 5*time.Second)
	return err == nil && out == "0"
}

func probeInt(ctx context.Context, cctx *cmdcontext.Context, command string) int {
	out, _, err := runRemote(ctx, cctx, command, 5*time.Second)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(out))
	return n
}

func probeMemMB(ctx context.Context, cctx *cmdcontext.Context) int {
	out, _, err := runRemote(ctx, cctx, `grep MemTotal /proc/meminfo | awk '{print $2}'`, 5*time.Second)
	if err != nil {
		return 0
	}
	kb, _ := strconv.Atoi(strings.TrimSpace(out))
	return kb / 1024
}

func probeDiskMB(ctx context.Context, cctx *cmdcontext.Context) int {
	out, _, err := runRemote(ctx, cctx, `df -Pm / | tail -1 | awk '{print $4}'`, 5*time.Second)
	if err != nil {
		return 0
	}
	mb, _ := strconv.Atoi(strings.TrimSpace(out))
	return mb
}

// geoEndpointTimeout bounds each individual geolocation probe.
const geoEndpointTimeout = 5 * time.Second

// DetectLocation asks up to three public IP-geolocation endpoints in
// order, first success wins, and decides whether to prefer China mirrors.
type DetectLocation struct {
	// Endpoints overrides the default probe list; each must return a
	// JSON body with a two-letter "country_code", "countryCode" or
	// "country" field. Plain-text responses are not accepted.
	Endpoints []string
	// HTTPClient allows tests to substitute a fake transport.
	HTTPClient *http.Client
}

func (DetectLocation) ID() string                 { return "detect_location" }
func (DetectLocation) DisplayName() string        { return "Detect geographic location" }
func (DetectLocation) RequiresConfirmation() bool { return false }

func (d DetectLocation) Execute(ctx context.Context, cctx *cmdcontext.Context) pipeline.CommandResult {
	if loc, ok := locationCache.Get(cctx.SessionID); ok {
		cctx.Set(cmdcontext.LocationInfoKey, loc)
		emit(cctx, "detect_location", "info", fmt.Sprintf("location resolved from cache: %s", loc.CountryCode))
		return pipeline.Success()
	}

	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: geoEndpointTimeout}
	}
	endpoints := d.Endpoints
	if len(endpoints) == 0 {
		endpoints = defaultGeoEndpoints
	}
	if len(endpoints) > 3 {
		endpoints = endpoints[:3]
	}

	for _, endpoint := range endpoints {
		select {
		case <-cctx.Done():
			return pipeline.Failure("cancelled", false)
		default:
		}
		code, method, err := probeGeoEndpoint(ctx, client, endpoint)
		if err != nil {
			continue
		}
		loc := cmdcontext.LocationInfo{
			CountryCode:    code,
			UseChinaMirror: code == "CN",
			Method:         method,
		}
		cctx.Set(cmdcontext.LocationInfoKey, loc)
		locationCache.Set(cctx.SessionID, loc)
		emit(cctx, "detect_location", "info", fmt.Sprintf("location resolved via %s: %s", method, code))
		return pipeline.Success()
	}
	cctx.Set(cmdcontext.LocationInfoKey, cmdcontext.LocationInfo{UseChinaMirror: false, Method: "default"})
	return pipeline.Skipped("no-location")
}

var defaultGeoEndpoints = []string{
	"https://ipapi.co/json/",
	"https://ipinfo.io/json",
	"https://freegeoip.app/json/",
}
