package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/vocache"
)

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry("org.lhcb")
	require.NoError(t, err)

	assert.Equal(t, "org.lhcb", r.Namespace())
	assert.Equal(t, "org.lhcb.SRM-VOPut", r.FullName("VOPut"))
	assert.Len(t, r.Names(), 20)

	d, ok := r.Lookup("AllLHCb")
	require.True(t, ok)
	assert.True(t, d.IsComposite())
	assert.Equal(t, VO, d.Scope)

	_, ok = r.Lookup("Nope")
	assert.False(t, ok)
}

func TestSteps(t *testing.T) {
	r, err := NewRegistry("org.sam")
	require.NoError(t, err)

	tests := []struct {
		metric   string
		expected []string
	}{
		{"All", []string{"GetSURLs", "LsDir", "Put", "Ls", "GetTURLs", "Get", "Del"}},
		{"AllCMS", []string{"GetPFNFromTFC", "VOLsDir", "VOPut", "VOLs", "VOGetTURLs", "VOGet", "VODel"}},
		{"AllATLAS", []string{"GetATLASInfo", "VOLsDir", "VOPut", "VOLs", "VOGet", "VODel"}},
		{"VOPut", []string{"VOPut"}},
	}

	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			steps, err := r.Steps(tt.metric)
			require.NoError(t, err)
			var names []string
			for _, s := range steps {
				names = append(names, s.Name)
			}
			assert.Equal(t, tt.expected, names)
		})
	}

	_, err = r.Steps("Missing")
	assert.Error(t, err)
}

func TestOperations(t *testing.T) {
	r, err := NewRegistry("org.sam")
	require.NoError(t, err)

	assert.Equal(t,
		[]vocache.Operation{vocache.OpLsDir, vocache.OpPut, vocache.OpLs, vocache.OpGet, vocache.OpDel},
		r.Operations("AllLHCb"))
	assert.Equal(t, []vocache.Operation{vocache.OpGet}, r.Operations("VOGet"))
	assert.Empty(t, r.Operations("GetSURLs"))
	assert.Nil(t, r.Operations("Missing"))
}

func TestBuildRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		defs []Definition
	}{
		{
			name: "child before parent",
			defs: []Definition{
				{Name: "Put", Children: []string{"Get"}, Operation: vocache.OpPut},
				{Name: "Get", Operation: vocache.OpGet},
				{Name: "All", Order: []string{"Get", "Put"}},
			},
		},
		{
			name: "unknown step",
			defs: []Definition{
				{Name: "All", Order: []string{"Put"}},
			},
		},
		{
			name: "unknown child",
			defs: []Definition{
				{Name: "Put", Children: []string{"Get"}},
			},
		},
		{
			name: "nested composite",
			defs: []Definition{
				{Name: "Put", Operation: vocache.OpPut},
				{Name: "Inner", Order: []string{"Put"}},
				{Name: "Outer", Order: []string{"Inner"}},
			},
		},
		{
			name: "mixed scope",
			defs: []Definition{
				{Name: "Put", Operation: vocache.OpPut},
				{Name: "VOGet", Operation: vocache.OpGet, Scope: VO},
				{Name: "All", Order: []string{"Put", "VOGet"}},
			},
		},
		{
			name: "duplicate metric",
			defs: []Definition{
				{Name: "Put"},
				{Name: "Put"},
			},
		},
		{
			name: "duplicate step",
			defs: []Definition{
				{Name: "Put", Operation: vocache.OpPut},
				{Name: "All", Order: []string{"Put", "Put"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := build("test", tt.defs)
			assert.Error(t, err)
		})
	}
}

func TestDescribe(t *testing.T) {
	r, err := NewRegistry("org.sam")
	require.NoError(t, err)

	descs := r.Describe()
	require.Len(t, descs, len(r.Names()))

	byName := make(map[string]probe.Description)
	for _, d := range descs {
		byName[d.Name] = d
	}

	getTURLs := byName["org.sam.SRM-GetTURLs"]
	assert.True(t, getTURLs.Critical)
	assert.Contains(t, getTURLs.Arguments.Optional, OptLDAPURI)
	assert.Contains(t, getTURLs.Arguments.Optional, OptSETimeout)
	assert.Empty(t, getTURLs.Arguments.Required)

	all := byName["org.sam.SRM-All"]
	assert.Equal(t, []string{"GetSURLs", "LsDir", "Put", "Ls", "GetTURLs", "Get", "Del"}, all.Order)
}

func TestMessages(t *testing.T) {
	r, err := NewRegistry("org.sam")
	require.NoError(t, err)

	d, _ := r.Lookup("LsDir")
	msg, ok := d.Message(probe.StatusOK)
	require.True(t, ok)
	assert.Equal(t, "Storage Path directory was listed successfully.", msg)

	d, _ = r.Lookup("Put")
	_, ok = d.Message(probe.StatusOK)
	assert.False(t, ok)
}
