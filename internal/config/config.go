// Package config loads probe settings from defaults, an optional YAML file,
// SRMPROBE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jandubois/srmprobe/internal/notify"
	"github.com/jandubois/srmprobe/internal/transfer"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SRMPROBE"

// ProbeConfig holds everything a probe run needs.
type ProbeConfig struct {
	Host       string `mapstructure:"host"`
	VO         string `mapstructure:"vo"`
	Namespace  string `mapstructure:"namespace"`
	SRMVersion string `mapstructure:"srm_version"`
	// WorkDir holds the per-run files and the VO info cache.
	WorkDir string `mapstructure:"workdir"`

	LDAPURI     string        `mapstructure:"ldap_uri"`
	LDAPTimeout time.Duration `mapstructure:"ldap_timeout"`
	SETimeout   time.Duration `mapstructure:"se_timeout"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	CacheMaxAge time.Duration `mapstructure:"cache_max_age"`

	// ErrorDB replaces the built-in error database when set.
	ErrorDB     string   `mapstructure:"error_db"`
	ErrorTopics []string `mapstructure:"error_topics"`

	TopologyFile        string   `mapstructure:"topology_file"`
	CriticalSpaceTokens []string `mapstructure:"critical_space_tokens"`

	TFC TFCConfig `mapstructure:"tfc"`

	// Database is the run archive; empty disables it.
	Database string `mapstructure:"database"`
	// MetricsTextfile is a node-exporter textfile; empty disables it.
	MetricsTextfile string `mapstructure:"metrics_textfile"`
	// Notify selects where verdict changes are announced.
	Notify notify.Config `mapstructure:"notify"`

	Tools transfer.Tools `mapstructure:"tools"`
}

// TFCConfig locates the PhEDEx data service.
type TFCConfig struct {
	EndpointsURL string `mapstructure:"endpoints_url"`
	DataSvcURL   string `mapstructure:"datasvc_url"`
	TestLFN      string `mapstructure:"test_lfn"`
}

// New returns a viper instance with defaults and environment binding set
// up. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("vo", "ops")
	v.SetDefault("namespace", "org.sam")
	v.SetDefault("srm_version", "2")
	v.SetDefault("workdir", filepath.Join(os.TempDir(), "srmprobe"))

	v.SetDefault("ldap_uri", "ldap://sam-bdii.cern.ch:2170")
	v.SetDefault("ldap_timeout", "10s")
	v.SetDefault("se_timeout", "120s")
	v.SetDefault("step_timeout", "10m")
	v.SetDefault("cache_max_age", "72h")

	v.SetDefault("error_db", "")
	v.SetDefault("error_topics", []string{})

	v.SetDefault("topology_file", "")
	v.SetDefault("critical_space_tokens", []string{})

	v.SetDefault("tfc.endpoints_url", "http://cern.ch/magini/phedex-v2-endpoints.txt")
	v.SetDefault("tfc.datasvc_url", "http://cmsweb.cern.ch/phedex/datasvc/json/prod/lfn2pfn")
	v.SetDefault("tfc.test_lfn", "/store/unmerged/SAM/testSRM")

	v.SetDefault("database", "")
	v.SetDefault("metrics_textfile", "")

	v.SetDefault("notify.ntfy.server_url", "https://ntfy.sh")
	v.SetDefault("notify.ntfy.topic", "")
	v.SetDefault("notify.ntfy.token", "")
	v.SetDefault("notify.pushover.api_token", "")
	v.SetDefault("notify.pushover.user_key", "")
	v.SetDefault("notify.pushover.api_url", "https://api.pushover.net/1/messages.json")

	tools := transfer.DefaultTools()
	v.SetDefault("tools.copy", tools.Copy)
	v.SetDefault("tools.list", tools.List)
	v.SetDefault("tools.remove", tools.Remove)
	v.SetDefault("tools.xattr", tools.Xattr)
}

// Load reads the optional configuration file at path into v and decodes
// the result. An empty path reads no file.
func Load(v *viper.Viper, path string) (*ProbeConfig, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg ProbeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.LDAPURI = strings.TrimSpace(cfg.LDAPURI)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings that do not depend on the metric being run.
func (c *ProbeConfig) Validate() error {
	var errs []error
	if c.SRMVersion != "1" && c.SRMVersion != "2" {
		errs = append(errs, fmt.Errorf("srm_version must be 1 or 2, got %q", c.SRMVersion))
	}
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("workdir is required"))
	}
	for name, d := range map[string]time.Duration{
		"ldap_timeout":  c.LDAPTimeout,
		"se_timeout":    c.SETimeout,
		"step_timeout":  c.StepTimeout,
		"cache_max_age": c.CacheMaxAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Tools.Copy == "" || c.Tools.List == "" || c.Tools.Remove == "" || c.Tools.Xattr == "" {
		errs = append(errs, errors.New("all transfer tools must be set"))
	}
	return errors.Join(errs...)
}

// RequireHost reports an error when no storage host is configured.
func (c *ProbeConfig) RequireHost() error {
	if c.Host == "" {
		return errors.New("host is required (--host or SRMPROBE_HOST)")
	}
	return nil
}
