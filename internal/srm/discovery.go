package srm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/jandubois/srmprobe/internal/bounded"
	"github.com/jandubois/srmprobe/internal/directory"
	"github.com/jandubois/srmprobe/internal/metric"
	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/vocache"
)

// query runs a directory search bounded by the directory timeout.
func (e *Executor) query(ctx context.Context, filter string, attrs []string) ([]directory.Entry, error) {
	q := directory.Query{
		Filter:     filter,
		Attributes: attrs,
		URI:        e.settings.LDAPURI,
		TimeLimit:  e.settings.LDAPTimeout,
	}
	return bounded.Call(ctx, e.settings.LDAPTimeout, func(ctx context.Context) ([]directory.Entry, error) {
		return e.deps.Directory.Query(ctx, q)
	})
}

// queryFailure maps a failed search: an empty result set gets emptyStatus,
// anything else is UNKNOWN.
func queryFailure(err error, emptyStatus probe.Status) probe.Result {
	var qe *directory.QueryError
	if errors.As(err, &qe) {
		slog.Debug("directory query failed", "message", qe.Message, "detail", qe.Detail)
		if directory.IsEmpty(err) {
			return probe.Result{Status: emptyStatus, Summary: qe.Message}
		}
		return probe.Unknown("%s", qe.Message)
	}
	if errors.Is(err, bounded.ErrTimeout) {
		return probe.Unknown("Directory query %s", err)
	}
	return probe.Unknown("Directory query failed: %v", err)
}

const (
	attrEndpoint    = "GlueServiceEndpoint"
	attrSAPath      = "GlueSAPath"
	attrVOInfoPath  = "GlueVOInfoPath"
	attrAccessProto = "GlueSEAccessProtocolType"
)

func (e *Executor) surlFilter() string {
	s := e.settings
	return fmt.Sprintf("(|(&(GlueChunkKey=GlueSEUniqueID=%[1]s)(|(GlueSAAccessControlBaseRule=%[2]s)(GlueSAAccessControlBaseRule=VO:%[2]s)))"+
		"(&(GlueChunkKey=GlueSEUniqueID=%[1]s)(|(GlueVOInfoAccessControlBaseRule=%[2]s)(GlueVOInfoAccessControlBaseRule=VO:%[2]s)))"+
		" (&(GlueServiceUniqueID=*://%[1]s*)(GlueServiceVersion=%[3]s.*)(GlueServiceType=srm*)))",
		s.Host, s.VO, s.SRMVersion)
}

// getSURLs discovers the SRM endpoint and storage paths of the host and
// writes the full endpoints to the flat endpoint file.
func (e *Executor) getSURLs(ctx context.Context, _ metric.Definition) probe.Result {
	attrs := []string{attrEndpoint, attrSAPath, attrVOInfoPath}
	entries, err := e.query(ctx, e.surlFilter(), attrs)
	if err != nil {
		return queryFailure(err, probe.StatusCritical)
	}

	values := make(map[string][]string, len(attrs))
	for _, entry := range entries {
		for _, attr := range attrs {
			for _, v := range entry.Attributes[attr] {
				if !slices.Contains(values[attr], v) {
					values[attr] = append(values[attr], v)
				}
			}
		}
	}

	endpoints := values[attrEndpoint]
	switch {
	case len(endpoints) == 0:
		return probe.Critical("%s is not published for %s in %s", attrEndpoint, e.settings.Host, e.settings.LDAPURI)
	case len(endpoints) > 1:
		return probe.Critical("More than one SRMv%s %s is published for %s: %s",
			e.settings.SRMVersion, attrEndpoint, e.settings.Host, strings.Join(endpoints, ", "))
	}
	endpoint := endpoints[0]
	slog.Debug("discovered service endpoint", "endpoint", endpoint)

	paths := values[attrVOInfoPath]
	if len(paths) == 0 {
		paths = values[attrSAPath]
	}
	if len(paths) == 0 {
		return probe.Critical("%s or %s not published for %s in %s", attrVOInfoPath, attrSAPath, endpoint, e.settings.LDAPURI)
	}

	base := strings.Replace(endpoint, "httpg", "srm", 1)
	lines := make([]string, 0, len(paths))
	for _, p := range paths {
		lines = append(lines, base+"?SFN="+p)
	}
	slog.Info("SRM endpoints to test", "endpoints", lines)

	if err := writeLines(e.path(EndpointsFile), lines); err != nil {
		return probe.Unknown("IOError: %v", err)
	}
	return probe.OK("Got SRM endpoint(s) and Storage Path(s) from BDII")
}

// topology describes how a VO's topology file maps to cache records.
type topology struct {
	vo             string
	keySuffix      string
	criticalTokens []string
}

var (
	lhcbTopology = topology{
		vo:             "LHCb",
		keySuffix:      "/SAM",
		criticalTokens: []string{"LHCb_USER", "LHCb_M-DST", "LHCb_RAW"},
	}
	atlasTopology = topology{
		vo:             "ATLAS",
		keySuffix:      "SAM",
		criticalTokens: []string{"ATLASDATADISK", "ATLASMCDISK", "ATLASGROUPDISK"},
	}
)

// topologyInfo reads the VO topology file and creates a cache record with a
// fresh test file name for every line mentioning the host.
func (e *Executor) topologyInfo(t topology) operation {
	return func(ctx context.Context, _ metric.Definition) probe.Result {
		path := e.settings.TopologyFile
		if path == "" {
			return probe.Unknown("No %s topology file configured", t.vo)
		}
		lines, err := readLines(path)
		if err != nil {
			slog.Error("cannot read topology file", "path", path, "error", err)
			return probe.Unknown("Error opening topology file %s", path)
		}

		critical := t.criticalTokens
		if len(e.settings.CriticalTokens) > 0 {
			critical = e.settings.CriticalTokens
		}

		var endpoints []string
		for _, line := range lines {
			if !strings.Contains(line, e.settings.Host) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				slog.Warn("ignoring topology line without space token", "line", line)
				continue
			}
			ep, token := fields[0], fields[1]

			rec := vocache.NewRecord(ep + t.keySuffix)
			rec.SpaceToken = token
			rec.FileName = e.testFileName(rec)
			rec.Criticality = vocache.Informational
			if slices.Contains(critical, token) {
				rec.Criticality = vocache.Critical
			}
			if len(fields) > 2 {
				rec.Catalog = fields[2]
			}
			e.cache.Put(rec.Endpoint, rec)
			endpoints = append(endpoints, ep)
			slog.Debug("endpoint from topology", "endpoint", rec.Endpoint, "space_token", token, "criticality", rec.Criticality)
		}

		if len(endpoints) == 0 {
			return probe.Unknown("No endpoints for %s found in %s", e.settings.Host, path)
		}
		if err := writeLines(e.path(EndpointsFile), endpoints); err != nil {
			return probe.Unknown("IOError: %v", err)
		}
		return probe.OK("Endpoint informations found in %s topology file", t.vo)
	}
}

var srmv2PFN = regexp.MustCompile(`^srm://.+(srm/managerv2|srm/v2/server)\?SFN=.+$`)

type lfn2pfnResponse struct {
	Phedex struct {
		Mapping []struct {
			PFN        *string `json:"pfn"`
			SpaceToken string  `json:"space_token"`
		} `json:"mapping"`
	} `json:"phedex"`
	Error string `json:"error"`
}

// pfnFromTFC asks the PhEDEx data service which SRMv2 PFN and space token a
// test LFN maps to on the host, and stores that endpoint in the cache.
func (e *Executor) pfnFromTFC(ctx context.Context, _ metric.Definition) probe.Result {
	tfc := e.settings.TFC
	host := e.settings.Host

	body, err := e.fetch(ctx, tfc.EndpointsURL)
	if err != nil {
		slog.Warn("unable to fetch SRM list", "url", tfc.EndpointsURL, "error", err)
		return probe.Unknown("Unable to open URL with SRM list")
	}

	type match struct {
		pfn, token string
	}
	var matches []match
	for _, line := range strings.Split(string(body), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != host {
			continue
		}
		site := fields[1]
		slog.Debug("host is listed as SRM for site", "host", host, "site", site)

		pfn, token, err := e.lfn2pfn(ctx, site)
		if err != nil {
			slog.Warn("LFN-to-PFN matching failed", "site", site, "error", err)
			continue
		}
		if !srmv2PFN.MatchString(pfn) {
			slog.Warn("invalid matching to srmv2 protocol", "site", site, "pfn", pfn)
			continue
		}
		u, err := url.Parse(pfn)
		if err != nil || u.Hostname() != host {
			slog.Warn("PFN points to another SRM", "site", site, "pfn", pfn)
			continue
		}
		matches = append(matches, match{pfn, token})
	}

	if len(matches) == 0 {
		return probe.Unknown("%s not found in SRM list", host)
	}
	chosen := matches[0]
	for _, m := range matches[1:] {
		if m != chosen {
			slog.Warn("PFN matching was not the same on all PhEDEx nodes", "host", host)
			break
		}
	}

	rec := vocache.NewRecord(chosen.pfn)
	rec.SpaceToken = chosen.token
	rec.UserSpace = tfc.TestLFN
	rec.FileName = e.testFileName(rec)
	e.cache.Put(chosen.pfn, rec)
	slog.Info("PFN used for testing", "pfn", chosen.pfn, "space_token", chosen.token)

	return probe.OK("Got PFN and Space Token from PhEDEx DataService")
}

func (e *Executor) lfn2pfn(ctx context.Context, site string) (pfn, token string, err error) {
	q := url.Values{}
	q.Set("node", site)
	q.Set("lfn", e.settings.TFC.TestLFN+"/SAM-"+e.settings.Host)
	q.Set("protocol", "srmv2")
	q.Set("destination", site)
	q.Set("custodial", "n")

	body, err := e.fetch(ctx, e.settings.TFC.DataSvcURL+"?"+q.Encode())
	if err != nil {
		return "", "", err
	}

	var resp lfn2pfnResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("decode lfn2pfn response: %w", err)
	}
	if len(resp.Phedex.Mapping) == 0 {
		if resp.Error != "" {
			return "", "", fmt.Errorf("data service error: %s", resp.Error)
		}
		return "", "", fmt.Errorf("unknown error from data service")
	}
	m := resp.Phedex.Mapping[0]
	if m.PFN == nil || *m.PFN == "" {
		return "", "", fmt.Errorf("LFN did not match any PFN")
	}
	return *m.PFN, m.SpaceToken, nil
}

func (e *Executor) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return bounded.Call(ctx, e.settings.SETimeout, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		resp, err := e.deps.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s returned status %d", rawURL, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return body, nil
	})
}
