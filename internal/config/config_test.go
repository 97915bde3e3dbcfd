package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "org.sam", cfg.Namespace)
	assert.Equal(t, "2", cfg.SRMVersion)
	assert.Equal(t, "ldap://sam-bdii.cern.ch:2170", cfg.LDAPURI)
	assert.Equal(t, 10*time.Second, cfg.LDAPTimeout)
	assert.Equal(t, 120*time.Second, cfg.SETimeout)
	assert.Equal(t, 10*time.Minute, cfg.StepTimeout)
	assert.Equal(t, 72*time.Hour, cfg.CacheMaxAge)
	assert.Equal(t, "gfal-copy", cfg.Tools.Copy)
	assert.Equal(t, "/store/unmerged/SAM/testSRM", cfg.TFC.TestLFN)
	assert.Empty(t, cfg.Database)
	assert.Empty(t, cfg.Notify.Channels())
	assert.Error(t, cfg.RequireHost())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srmprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: srm.example.org
vo: atlas
se_timeout: 45s
critical_space_tokens: [ATLASDATADISK, ATLASMCDISK]
tfc:
  test_lfn: /store/test
tools:
  copy: /opt/gfal/bin/gfal-copy
notify:
  ntfy:
    topic: srm-alerts
`), 0o644))

	t.Setenv("SRMPROBE_VO", "lhcb")
	t.Setenv("SRMPROBE_LDAP_TIMEOUT", "3s")
	t.Setenv("SRMPROBE_NOTIFY_PUSHOVER_API_TOKEN", "app")
	t.Setenv("SRMPROBE_NOTIFY_PUSHOVER_USER_KEY", "user")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "srm.example.org", cfg.Host)
	assert.NoError(t, cfg.RequireHost())
	assert.Equal(t, "lhcb", cfg.VO)
	assert.Equal(t, 45*time.Second, cfg.SETimeout)
	assert.Equal(t, 3*time.Second, cfg.LDAPTimeout)
	assert.Equal(t, []string{"ATLASDATADISK", "ATLASMCDISK"}, cfg.CriticalSpaceTokens)
	assert.Equal(t, "/store/test", cfg.TFC.TestLFN)
	assert.Equal(t, "/opt/gfal/bin/gfal-copy", cfg.Tools.Copy)
	assert.Equal(t, "gfal-ls", cfg.Tools.List)
	assert.Equal(t, "srm-alerts", cfg.Notify.Ntfy.Topic)
	assert.Equal(t, "https://ntfy.sh", cfg.Notify.Ntfy.ServerURL)
	assert.Equal(t, "app", cfg.Notify.Pushover.APIToken)
	assert.Len(t, cfg.Notify.Channels(), 2)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate(t *testing.T) {
	valid := func() *ProbeConfig {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*ProbeConfig)
		wantErr string
	}{
		{"srm version", func(c *ProbeConfig) { c.SRMVersion = "3" }, "srm_version must be 1 or 2"},
		{"namespace", func(c *ProbeConfig) { c.Namespace = "" }, "namespace is required"},
		{"workdir", func(c *ProbeConfig) { c.WorkDir = "" }, "workdir is required"},
		{"se timeout", func(c *ProbeConfig) { c.SETimeout = 0 }, "se_timeout must be positive"},
		{"cache age", func(c *ProbeConfig) { c.CacheMaxAge = -time.Hour }, "cache_max_age must be positive"},
		{"tools", func(c *ProbeConfig) { c.Tools.Xattr = "" }, "all transfer tools must be set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
