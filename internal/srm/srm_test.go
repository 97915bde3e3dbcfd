package srm

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jandubois/srmprobe/internal/directory"
	"github.com/jandubois/srmprobe/internal/errdb"
	"github.com/jandubois/srmprobe/internal/metric"
	"github.com/jandubois/srmprobe/internal/transfer"
)

const (
	testHost     = "srm.example.org"
	testEndpoint = "httpg://srm.example.org:8443/srm/managerv2"
	testSURLBase = "srm://srm.example.org:8443/srm/managerv2?SFN="
)

// fakeTransfer keeps uploaded objects in memory.
type fakeTransfer struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   []string
	opts    []transfer.Options

	// fail returns the error for op on url, or nil.
	fail func(op, url string) error
	// hang makes Put block until its context ends.
	hang bool
	// delay makes Put sleep without watching its context.
	delay  time.Duration
	active int
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{objects: make(map[string][]byte)}
}

func (f *fakeTransfer) record(op, url string, opts transfer.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+url)
	f.opts = append(f.opts, opts)
	if f.fail != nil {
		return f.fail(op, url)
	}
	return nil
}

func (f *fakeTransfer) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (f *fakeTransfer) activeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeTransfer) Put(ctx context.Context, localPath, remoteURL string, opts transfer.Options) error {
	if err := f.record("put", remoteURL, opts); err != nil {
		return err
	}
	if f.hang {
		<-ctx.Done()
		return &transfer.OpError{Op: "put", URL: remoteURL, ExitCode: -1, Err: ctx.Err()}
	}
	if f.delay > 0 {
		f.mu.Lock()
		f.active++
		f.mu.Unlock()
		time.Sleep(f.delay)
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[remoteURL] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) Get(_ context.Context, remoteURL, localPath string, opts transfer.Options) error {
	if err := f.record("get", remoteURL, opts); err != nil {
		return err
	}
	f.mu.Lock()
	data, ok := f.objects[remoteURL]
	f.mu.Unlock()
	if !ok {
		return &transfer.OpError{Op: "get", URL: remoteURL, ExitCode: 2, Message: "No such file or directory"}
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (f *fakeTransfer) Delete(_ context.Context, remoteURL string, opts transfer.Options) error {
	if err := f.record("delete", remoteURL, opts); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.objects, remoteURL)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) List(_ context.Context, urls []string, opts transfer.Options) ([]transfer.ListStatus, error) {
	var statuses []transfer.ListStatus
	for _, u := range urls {
		st := transfer.ListStatus{URL: u}
		if err := f.record("list", u, opts); err != nil {
			st.Explanation = err.Error()
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (f *fakeTransfer) ResolveTURL(_ context.Context, remoteURL string, protocols []string, opts transfer.Options) (string, error) {
	if err := f.record("turl", remoteURL, opts); err != nil {
		return "", err
	}
	_, path, _ := strings.Cut(remoteURL, "?SFN=")
	return protocols[0] + "://disk01." + testHost + path, nil
}

// fakeDirectory answers queries with handler.
type fakeDirectory struct {
	handler func(q directory.Query) ([]directory.Entry, error)
	queries []directory.Query
}

func (f *fakeDirectory) Query(_ context.Context, q directory.Query) ([]directory.Entry, error) {
	f.queries = append(f.queries, q)
	if f.handler == nil {
		return nil, &directory.QueryError{Empty: true, Message: "No information for [" + q.Filter + "] in " + q.URI}
	}
	return f.handler(q)
}

// publishedSRM answers like a BDII publishing one SRM endpoint with the
// given storage paths and gsiftp/file access protocols.
func publishedSRM(paths ...string) *fakeDirectory {
	return &fakeDirectory{handler: func(q directory.Query) ([]directory.Entry, error) {
		if strings.Contains(q.Filter, "GlueSEAccessProtocol") {
			return []directory.Entry{
				{DN: "a1", Attributes: map[string][]string{attrAccessProto: {"gsiftp"}}},
				{DN: "a2", Attributes: map[string][]string{attrAccessProto: {"file"}}},
				{DN: "a3", Attributes: map[string][]string{attrAccessProto: {"gsiftp"}}},
			}, nil
		}
		return []directory.Entry{
			{DN: "svc", Attributes: map[string][]string{attrEndpoint: {testEndpoint}}},
			{DN: "vo", Attributes: map[string][]string{attrVOInfoPath: paths}},
		}, nil
	}}
}

func newTestExecutor(t *testing.T, dir directory.Querier, tr transfer.Client, mutate ...func(*Settings)) *Executor {
	t.Helper()
	reg, err := metric.NewRegistry("org.sam")
	require.NoError(t, err)
	classifier, err := errdb.Default()
	require.NoError(t, err)

	settings := Settings{
		Host:        testHost,
		VO:          "dteam",
		SRMVersion:  "2",
		WorkDir:     t.TempDir(),
		LDAPURI:     "ldap://bdii.example.org:2170",
		LDAPTimeout: 5 * time.Second,
		SETimeout:   5 * time.Second,
	}
	for _, m := range mutate {
		m(&settings)
	}

	e, err := NewExecutor(reg, Deps{Directory: dir, Transfer: tr, Classifier: classifier}, settings)
	require.NoError(t, err)
	e.now = func() time.Time { return time.Unix(1700000000, 0) }
	e.newID = func() string { return "0000" }
	return e
}

func failOn(op string, err error) func(string, string) error {
	return func(o, _ string) error {
		if o == op {
			return err
		}
		return nil
	}
}

var errBoom = errors.New("boom")
