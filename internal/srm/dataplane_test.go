package srm

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/transfer"
	"github.com/jandubois/srmprobe/internal/vocache"
)

// seedCache puts a critical and an informational endpoint into the VO
// cache.
func seedCache(e *Executor) (critical, informational *vocache.Record) {
	critical = vocache.NewRecord("srm://srm.example.org/atlas/datadisk/SAM")
	critical.SpaceToken = "ATLASDATADISK"
	critical.FileName = "testfile-put-ATLASDATADISK.txt"
	e.Cache().Put(critical.Endpoint, critical)

	informational = vocache.NewRecord("srm://srm.example.org/atlas/scratch/SAM")
	informational.SpaceToken = "ATLASSCRATCHDISK"
	informational.FileName = "testfile-put-ATLASSCRATCHDISK.txt"
	informational.Criticality = vocache.Informational
	e.Cache().Put(informational.Endpoint, informational)
	return critical, informational
}

func TestVOPutThenLs(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	critical, informational := seedCache(e)
	ctx := context.Background()

	res := e.Execute(ctx, "VOPut", time.Minute)
	require.Equal(t, probe.StatusOK, res.Status, res.Summary)

	put, ok := critical.Result(vocache.OpPut)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(put.Summary, "File was copied to SRM. Transfer time:"), put.Summary)
	assert.Contains(t, tr.objects, critical.SURL())
	assert.Contains(t, tr.objects, informational.SURL())
	assert.Equal(t, "ATLASDATADISK", tr.opts[0].SpaceToken)

	res = e.Execute(ctx, "VOLs", time.Minute)
	require.Equal(t, probe.StatusOK, res.Status, res.Summary)
	ls, ok := critical.Result(vocache.OpLs)
	require.True(t, ok)
	assert.Equal(t, "listing ["+critical.SURL()+"]-ok;", ls.Summary)
	assert.Equal(t, 2, tr.count("list"))
}

func TestPutGeneratesFileName(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	rec := vocache.NewRecord("srm://srm.example.org/cms/store")
	e.Cache().Put(rec.Endpoint, rec)

	res := e.Execute(context.Background(), "VOPut", time.Minute)
	require.Equal(t, probe.StatusOK, res.Status)
	assert.Equal(t, "testfile-put-nospacetoken-1700000000-0000.txt", rec.FileName)
	assert.Contains(t, res.Summary, "file= testfile-put-nospacetoken-1700000000-0000.txt")
}

func TestMissingPutResult(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	critical, _ := seedCache(e)

	for _, name := range []string{"VOLs", "VOGetTURLs", "VOGet", "VODel"} {
		t.Run(name, func(t *testing.T) {
			res := e.Execute(context.Background(), name, time.Minute)
			assert.Equal(t, probe.StatusUnknown, res.Status)
			assert.Contains(t, res.Summary, "no put result recorded for endpoint")

			def, _ := e.registry.Lookup(name)
			r, ok := critical.Result(def.Operation)
			require.True(t, ok)
			assert.Equal(t, probe.StatusUnknown, r.Status)
		})
	}
	assert.Empty(t, tr.calls)
}

func TestNoEndpoints(t *testing.T) {
	e := newTestExecutor(t, &fakeDirectory{}, newFakeTransfer())
	res := e.Execute(context.Background(), "VOLsDir", time.Minute)
	assert.Equal(t, probe.StatusUnknown, res.Status)
	assert.Equal(t, "No SRM endpoints found in internal dictionary", res.Summary)
}

func TestPutFailureClassification(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		status   probe.Status
		contains string
	}{
		{"known warning", "SRM_NO_FREE_SPACE: space is full", probe.StatusWarning, "[ErrDB:srm:"},
		{"known critical", "SRM_AUTHORIZATION_FAILURE", probe.StatusCritical, "[ErrDB:srm:"},
		{"unknown proxy", "Your proxy has expired", probe.StatusUnknown, "[ErrDB:client:"},
		{"unmatched", "something odd happened", probe.StatusCritical, "File was NOT copied to SRM."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransfer()
			tr.fail = failOn("put", &transfer.OpError{Op: "put", ExitCode: 1, Message: tt.message})
			e := newTestExecutor(t, &fakeDirectory{}, tr)
			critical, _ := seedCache(e)

			res := e.Execute(context.Background(), "VOPut", time.Minute)
			assert.Equal(t, tt.status, res.Status)

			put, ok := critical.Result(vocache.OpPut)
			require.True(t, ok)
			assert.Equal(t, tt.status, put.Status)
			assert.Contains(t, put.Summary, tt.contains)
		})
	}
}

func TestInformationalFailureIgnored(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	_, informational := seedCache(e)
	tr.fail = func(op, url string) error {
		if url == informational.SURL() {
			return errBoom
		}
		return nil
	}

	res := e.Execute(context.Background(), "VOPut", time.Minute)
	assert.Equal(t, probe.StatusOK, res.Status)
	assert.Contains(t, res.Summary, "ATLASSCRATCHDISK critical= 0 File was NOT copied to SRM.")
}

func TestListFailure(t *testing.T) {
	tr := newFakeTransfer()
	tr.fail = failOn("list", errBoom)
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	critical, _ := seedCache(e)

	res := e.Execute(context.Background(), "VOLsDir", time.Minute)
	assert.Equal(t, probe.StatusCritical, res.Status)

	r, _ := critical.Result(vocache.OpLsDir)
	assert.Equal(t, "Storage Path["+critical.Endpoint+"]-critical;", r.Summary)
}

func TestStorageTimeout(t *testing.T) {
	tr := newFakeTransfer()
	tr.hang = true
	e := newTestExecutor(t, &fakeDirectory{}, tr, func(s *Settings) {
		s.SETimeout = 50 * time.Millisecond
	})
	critical, _ := seedCache(e)

	res := e.Execute(context.Background(), "VOPut", time.Minute)
	assert.Equal(t, probe.StatusUnknown, res.Status)

	put, _ := critical.Result(vocache.OpPut)
	assert.Equal(t, "File was NOT copied to SRM. Timed out.", put.Summary)
}

func TestMetricTimeout(t *testing.T) {
	tr := newFakeTransfer()
	tr.hang = true
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	seedCache(e)

	res := e.Execute(context.Background(), "VOPut", 50*time.Millisecond)
	assert.Equal(t, probe.StatusUnknown, res.Status)
}

func TestMetricTimeoutLeavesNothingRunning(t *testing.T) {
	tr := newFakeTransfer()
	tr.delay = 300 * time.Millisecond
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	critical, informational := seedCache(e)

	res := e.Execute(context.Background(), "VOPut", 50*time.Millisecond)
	require.Equal(t, probe.StatusUnknown, res.Status)
	assert.Equal(t, "VOPut timed out after 50ms", res.Summary)

	// The running upload was waited for and no further one was started.
	assert.Equal(t, 0, tr.activeCalls())
	assert.Equal(t, 1, tr.count("put"))

	put, _ := critical.Result(vocache.OpPut)
	assert.Equal(t, probe.StatusUnknown, put.Status)
	assert.Equal(t, "File was NOT copied to SRM. Timed out.", put.Summary)
	skipped, _ := informational.Result(vocache.OpPut)
	assert.Equal(t, probe.Unknown("not attempted: deadline exceeded"), skipped)

	time.Sleep(2 * tr.delay)
	assert.Equal(t, 1, tr.count("put"))
	after, _ := critical.Result(vocache.OpPut)
	assert.Equal(t, put, after)
	afterSkipped, _ := informational.Result(vocache.OpPut)
	assert.Equal(t, skipped, afterSkipped)
}

func TestListAfterDeadlineIsNotAttempted(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	critical, _ := seedCache(e)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	def, _ := e.registry.Lookup("VOLsDir")
	e.lsDir(ctx, def)
	assert.Zero(t, tr.count("list"))
	res, _ := critical.Result(vocache.OpLsDir)
	assert.Equal(t, probe.Unknown("not attempted: deadline exceeded"), res)
}

func TestVOGetTURLs(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	critical, informational := seedCache(e)
	for _, rec := range []*vocache.Record{critical, informational} {
		rec.SetResult(vocache.OpPut, probe.OK("copied"))
	}

	res := e.Execute(context.Background(), "VOGetTURLs", time.Minute)
	require.Equal(t, probe.StatusOK, res.Status)
	r, _ := critical.Result(vocache.OpGetTURL)
	assert.True(t, strings.HasPrefix(r.Summary, "protocol OK-[gsiftp], TURL: gsiftp://"), r.Summary)
}

func TestGetComparesContent(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, &fakeDirectory{}, tr)
	critical, informational := seedCache(e)
	ctx := context.Background()

	require.Equal(t, probe.StatusOK, e.Execute(ctx, "VOPut", time.Minute).Status)
	tr.objects[informational.SURL()] = []byte("tampered\n")

	res := e.Execute(ctx, "VOGet", time.Minute)
	assert.Equal(t, probe.StatusOK, res.Status)

	r, _ := critical.Result(vocache.OpGet)
	assert.Contains(t, r.Summary, "Diff successful.")
	r, _ = informational.Result(vocache.OpGet)
	assert.Equal(t, probe.StatusCritical, r.Status)
	assert.Equal(t, "File was copied from SRM. Files differ!", r.Summary)

	res = e.Execute(ctx, "VODel", time.Minute)
	assert.Equal(t, probe.StatusOK, res.Status)
	assert.Empty(t, tr.objects)

	// A second get finds nothing to fetch.
	res = e.Execute(ctx, "VOGet", time.Minute)
	assert.Equal(t, probe.StatusCritical, res.Status)
	r, _ = critical.Result(vocache.OpGet)
	assert.Contains(t, r.Summary, "File was NOT copied from SRM. [ErrDB:srm:")
}

func TestLegacyFlow(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, publishedSRM("/dpm/example.org/home/dteam/"), tr)
	ctx := context.Background()

	steps := []string{"GetSURLs", "LsDir", "Put", "Ls", "GetTURLs", "Get", "Del"}
	for _, name := range steps {
		res := e.Execute(ctx, name, time.Minute)
		require.Equal(t, probe.StatusOK, res.Status, "%s: %s", name, res.Summary)
	}

	endpoint := testSURLBase + "/dpm/example.org/home/dteam"
	assert.Equal(t, []string{endpoint}, e.legacy.Keys())

	rec, _ := e.legacy.Get(endpoint)
	for _, op := range vocache.Operations {
		r, ok := rec.Result(op)
		require.True(t, ok, op)
		assert.Equal(t, probe.StatusOK, r.Status, op)
	}
	turl, _ := rec.Result(vocache.OpGetTURL)
	assert.Equal(t, "protocols OK-[gsiftp, file]", turl.Summary)

	data, err := os.ReadFile(e.path(FilesOnSRM))
	require.NoError(t, err)
	assert.Equal(t, rec.SURL()+"\tOK\n", string(data))
	assert.Equal(t, 1, tr.count("put"))
	assert.Equal(t, 1, tr.count("delete"))
}

func TestLegacyStepsReadFiles(t *testing.T) {
	tr := newFakeTransfer()
	e := newTestExecutor(t, &fakeDirectory{}, tr)

	res := e.Execute(context.Background(), "LsDir", time.Minute)
	assert.Equal(t, probe.StatusUnknown, res.Status)
	assert.Equal(t, "Error opening local file.", res.Summary)

	surl := testSURLBase + "/dpm/dteam/testfile-put-1.txt"
	require.NoError(t, os.WriteFile(e.path(FilesOnSRM), []byte(surl+"\tOK\n"), 0o644))
	tr.objects[surl] = []byte(testFileContent)

	res = e.Execute(context.Background(), "Ls", time.Minute)
	require.Equal(t, probe.StatusOK, res.Status, res.Summary)

	rec, ok := e.legacy.Get(testSURLBase + "/dpm/dteam")
	require.True(t, ok)
	assert.Equal(t, "testfile-put-1.txt", rec.FileName)
	put, _ := rec.Result(vocache.OpPut)
	assert.Equal(t, "recorded in FilesOnSRM.txt", put.Summary)
}

func TestLegacyGetTURLsWithoutProtocols(t *testing.T) {
	tr := newFakeTransfer()
	dir := &fakeDirectory{}
	e := newTestExecutor(t, dir, tr)

	surl := testSURLBase + "/dpm/dteam/testfile-put-1.txt"
	require.NoError(t, os.WriteFile(e.path(FilesOnSRM), []byte(surl+"\tOK\n"), 0o644))

	res := e.Execute(context.Background(), "GetTURLs", time.Minute)
	assert.Equal(t, probe.StatusWarning, res.Status)
	assert.Contains(t, res.Summary, "No information for")
	assert.Zero(t, tr.count("turl"))
}
