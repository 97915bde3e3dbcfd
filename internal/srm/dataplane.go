package srm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/jandubois/srmprobe/internal/bounded"
	"github.com/jandubois/srmprobe/internal/metric"
	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/transfer"
	"github.com/jandubois/srmprobe/internal/vocache"
)

// testFileContent is the payload uploaded by put and compared by get.
const testFileContent = "1\n2\n3\n4\n5\n6\n7\n8\n9\n0\n"

func (e *Executor) lsDir(ctx context.Context, def metric.Definition) probe.Result {
	return e.list(ctx, def, "Storage Path[%s]", "problem listing Storage Path(s).",
		func(rec *vocache.Record) string { return rec.Endpoint })
}

func (e *Executor) ls(ctx context.Context, def metric.Definition) probe.Result {
	return e.list(ctx, def, "listing [%s]", "problem listing file(s).",
		func(rec *vocache.Record) string { return rec.SURL() })
}

// list lists the target URL of every endpoint in one call and records a
// result per endpoint.
func (e *Executor) list(ctx context.Context, def metric.Definition, label, failure string, target func(*vocache.Record) string) probe.Result {
	return e.perEndpoint(ctx, def, func(ctx context.Context, recs []*vocache.Record) {
		if len(recs) == 0 {
			return
		}
		if ctx.Err() != nil {
			skipAll(ctx, def.Operation, recs)
			return
		}
		urls := make([]string, 0, len(recs))
		for _, rec := range recs {
			urls = append(urls, target(rec))
		}

		timeout := e.settings.SETimeout * time.Duration(len(urls))
		statuses, err := e.listURLs(ctx, timeout, urls)

		byURL := make(map[string]transfer.ListStatus, len(statuses))
		for _, st := range statuses {
			byURL[st.URL] = st
		}

		for i, rec := range recs {
			u := urls[i]
			st, listed := byURL[u]
			var res probe.Result
			switch {
			case listed && st.OK():
				res = probe.OK(label+"-ok;", u)
			case listed:
				c := e.deps.Classifier.Apply(st.Explanation, "")
				res = probe.Result{
					Status:  c.Status,
					Summary: fmt.Sprintf(label+"-%s%s;", u, strings.ToLower(string(c.Status)), c.Summary),
				}
				slog.Warn("listing failed", "url", u, "error", st.Explanation)
			case err != nil:
				res = e.classify(err, failure)
			default:
				res = probe.Unknown(label+"-not listed;", u)
			}
			rec.SetResult(def.Operation, res)
		}
	})
}

func (e *Executor) put(ctx context.Context, def metric.Definition) probe.Result {
	src := e.path(TestFile)
	if err := os.WriteFile(src, []byte(testFileContent), 0o644); err != nil {
		slog.Error("cannot write test file", "path", src, "error", err)
		return probe.Unknown("Error opening local file.")
	}
	size := units.HumanSize(float64(len(testFileContent)))

	res := e.perEndpoint(ctx, def, each(vocache.OpPut, func(ctx context.Context, rec *vocache.Record) probe.Result {
		if rec.FileName == "" {
			rec.FileName = e.testFileName(rec)
		}
		dest := rec.SURL()
		slog.Debug("copying test file", "destination", dest, "space_token", rec.SpaceToken)

		start := time.Now()
		err := e.storage(ctx, func(ctx context.Context) error {
			return e.deps.Transfer.Put(ctx, src, dest, e.transferOptions(rec))
		})
		if err != nil {
			return e.classify(err, "File was NOT copied to SRM.")
		}
		elapsed := time.Since(start).Round(time.Millisecond)
		return probe.OK("File was copied to SRM. Transfer time: %s (%s)", elapsed, size)
	}))

	if def.Scope == metric.Legacy {
		if err := e.writeFilesOnSRM(e.legacy.Records()); err != nil {
			slog.Error("cannot write files-on-SRM list", "error", err)
			return probe.Unknown("Error opening local file.")
		}
	}
	return res
}

func (e *Executor) getTURLs(ctx context.Context, def metric.Definition) probe.Result {
	protocols := []string{"gsiftp"}
	var discovery *probe.Result
	if def.Scope == metric.Legacy {
		protocols, discovery = e.accessProtocols(ctx)
	}

	return e.perEndpoint(ctx, def, each(vocache.OpGetTURL, func(ctx context.Context, rec *vocache.Record) probe.Result {
		if discovery != nil {
			return *discovery
		}
		if def.Scope == metric.VO {
			return e.resolveOne(ctx, rec, protocols[0])
		}
		return e.resolveAll(ctx, rec, protocols)
	}))
}

// accessProtocols discovers the access protocols the host publishes.
func (e *Executor) accessProtocols(ctx context.Context) ([]string, *probe.Result) {
	filter := fmt.Sprintf("(&(objectclass=GlueSEAccessProtocol)(GlueChunkKey=GlueSEUniqueID=%s))", e.settings.Host)
	entries, err := e.query(ctx, filter, []string{attrAccessProto})
	if err != nil {
		res := queryFailure(err, probe.StatusWarning)
		return nil, &res
	}

	var protocols []string
	for _, entry := range entries {
		if p := entry.First(attrAccessProto); p != "" && !slices.Contains(protocols, p) {
			protocols = append(protocols, p)
		}
	}
	if len(protocols) == 0 {
		res := probe.Warning("No access protocol types for %s published in %s", e.settings.Host, e.settings.LDAPURI)
		return nil, &res
	}
	slog.Debug("discovered access protocols", "protocols", protocols)
	return protocols, nil
}

func (e *Executor) resolve(ctx context.Context, rec *vocache.Record, proto string) (string, error) {
	return bounded.Call(ctx, e.settings.SETimeout, func(ctx context.Context) (string, error) {
		return e.deps.Transfer.ResolveTURL(ctx, rec.SURL(), []string{proto}, e.transferOptions(nil))
	})
}

func (e *Executor) resolveOne(ctx context.Context, rec *vocache.Record, proto string) probe.Result {
	turl, err := e.resolve(ctx, rec, proto)
	if err != nil {
		return e.classify(err, fmt.Sprintf("protocol FAILED-[%s]", proto))
	}
	slog.Debug("resolved transport URL", "surl", rec.SURL(), "turl", turl)
	return probe.OK("protocol OK-[%s], TURL: %s", proto, turl)
}

func (e *Executor) resolveAll(ctx context.Context, rec *vocache.Record, protocols []string) probe.Result {
	status := probe.StatusOK
	var ok, failed []string
	for _, proto := range protocols {
		if _, err := e.resolve(ctx, rec, proto); err != nil {
			c := e.classify(err, "")
			status = probe.Worse(status, c.Status)
			failed = append(failed, proto)
			slog.Warn("transport URL resolution failed", "surl", rec.SURL(), "protocol", proto, "error", err)
			continue
		}
		ok = append(ok, proto)
	}
	summary := fmt.Sprintf("protocols OK-[%s]", strings.Join(ok, ", "))
	if len(failed) > 0 {
		summary += fmt.Sprintf(", FAILED-[%s]", strings.Join(failed, ", "))
	}
	return probe.Result{Status: status, Summary: summary}
}

func (e *Executor) get(ctx context.Context, def metric.Definition) probe.Result {
	src := e.path(TestFile)
	dst := e.path(TestFileIn)

	return e.perEndpoint(ctx, def, each(vocache.OpGet, func(ctx context.Context, rec *vocache.Record) probe.Result {
		os.Remove(dst)

		start := time.Now()
		err := e.storage(ctx, func(ctx context.Context) error {
			return e.deps.Transfer.Get(ctx, rec.SURL(), dst, e.transferOptions(nil))
		})
		if err != nil {
			return e.classify(err, "File was NOT copied from SRM.")
		}
		elapsed := time.Since(start).Round(time.Millisecond)

		same, err := sameContent(src, dst)
		if err != nil {
			slog.Error("cannot compare files", "source", src, "copy", dst, "error", err)
			return probe.Unknown("File was copied from SRM. Unknown problem when comparing files!")
		}
		if !same {
			return probe.Critical("File was copied from SRM. Files differ!")
		}
		return probe.OK("File was copied from SRM. Diff successful. Transfer time: %s", elapsed)
	}))
}

func (e *Executor) del(ctx context.Context, def metric.Definition) probe.Result {
	return e.perEndpoint(ctx, def, each(vocache.OpDel, func(ctx context.Context, rec *vocache.Record) probe.Result {
		if rec.Catalog != "" {
			slog.Debug("catalog entry left untouched", "endpoint", rec.Endpoint, "catalog", rec.Catalog)
		}
		err := e.storage(ctx, func(ctx context.Context) error {
			return e.deps.Transfer.Delete(ctx, rec.SURL(), e.transferOptions(nil))
		})
		if err != nil {
			return e.classify(err, "File was NOT deleted from SRM.")
		}
		return probe.OK("File was deleted from SRM.")
	}))
}

func (e *Executor) listURLs(ctx context.Context, timeout time.Duration, urls []string) ([]transfer.ListStatus, error) {
	return bounded.Call(ctx, timeout, func(ctx context.Context) ([]transfer.ListStatus, error) {
		return e.deps.Transfer.List(ctx, urls, e.transferOptions(nil))
	})
}

func sameContent(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}
