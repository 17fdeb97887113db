package ingest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RegionPair is one (sidoCode, sggCode) pair the kindergarten registry is
// queried with.
type RegionPair struct {
	SidoCode int `yaml:"sido_code" json:"sido_code"`
	SggCode  int `yaml:"sgg_code" json:"sgg_code"`
}

func (p RegionPair) String() string { return fmt.Sprintf("%d:%d", p.SidoCode, p.SggCode) }

// RegionPairs accepts either:
//  1. a list of "sido:sgg" scalars or {sido_code, sgg_code} mappings:
//     region_pairs:
//     - "11:110"
//     - {sido_code: 26, sgg_code: 260}
//  2. a single comma separated scalar (the KINDER_CODE_PAIRS form):
//     region_pairs: "11:110,26:260"
type RegionPairs []RegionPair

func (r *RegionPairs) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		pairs, err := ParseRegionPairs(value.Value)
		if err != nil {
			return err
		}
		*r = pairs
		return nil
	case yaml.SequenceNode:
		items := make(RegionPairs, 0, len(value.Content))
		for _, n := range value.Content {
			switch n.Kind {
			case yaml.ScalarNode:
				p, err := parseRegionPair(n.Value)
				if err != nil {
					return err
				}
				items = append(items, p)
			case yaml.MappingNode:
				var p RegionPair
				if err := n.Decode(&p); err != nil {
					return err
				}
				items = append(items, p)
			default:
				return fmt.Errorf("line %d: region pair must be \"sido:sgg\" or a mapping", n.Line)
			}
		}
		*r = items
		return nil
	default:
		return fmt.Errorf("line %d: region_pairs must be a list or a string", value.Line)
	}
}

// ParseRegionPairs parses "11:110,26:260". Blank entries are ignored.
func ParseRegionPairs(s string) (RegionPairs, error) {
	var out RegionPairs
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := parseRegionPair(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseRegionPair(s string) (RegionPair, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return RegionPair{}, fmt.Errorf("region pair %q: want sido:sgg", s)
	}
	sido, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return RegionPair{}, fmt.Errorf("region pair %q: sido code: %w", s, err)
	}
	sgg, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return RegionPair{}, fmt.Errorf("region pair %q: sgg code: %w", s, err)
	}
	return RegionPair{SidoCode: sido, SggCode: sgg}, nil
}

// SourceConfig is handed to a Source Adapter at construction.
type SourceConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	Endpoint      string        `yaml:"endpoint"`
	Credential    string        `yaml:"credential"`
	PageSize      int           `yaml:"page_size"`
	RegionPairs   RegionPairs   `yaml:"region_pairs"` // kindergarten only
	Timing        string        `yaml:"timing"`       // kindergarten disclosure period, optional
	Timeout       time.Duration `yaml:"timeout"`      // per page fetch
	MaxPages      int           `yaml:"max_pages"`    // 0 = until the registry runs dry
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxRetries    int           `yaml:"max_retries"`
	UserAgent     string        `yaml:"user_agent"`
	ItemPaths     []string      `yaml:"item_paths"`
	FieldMap      FieldMap      `yaml:"field_map"`
}

func (c SourceConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite (default) or postgres
	DSN    string `yaml:"dsn"`
}

type AdminConfig struct {
	Addr   string `yaml:"addr"`
	Secret string `yaml:"secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json
}

type RunConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	StaleAfter  time.Duration `yaml:"stale_after"`
}

type ReportConfig struct {
	SyslogAddr string        `yaml:"syslog_addr"`
	Job        string        `yaml:"job"`
	Timeout    time.Duration `yaml:"timeout"`
}

type SourcesConfig struct {
	Childcare    SourceConfig `yaml:"childcare_portal"`
	Kindergarten SourceConfig `yaml:"e_childschoolinfo"`
}

// For returns the configuration of the named source.
func (s SourcesConfig) For(name string) SourceConfig {
	switch name {
	case SourceChildcarePortal:
		return s.Childcare
	case SourceChildSchoolInfo:
		return s.Kindergarten
	default:
		return SourceConfig{}
	}
}

type FileConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
	Run      RunConfig      `yaml:"run"`
	Report   ReportConfig   `yaml:"report"`
	Sources  SourcesConfig  `yaml:"sources"`
}

// LoadConfig reads a YAML config file and fills in defaults. An empty path
// yields the defaults.
func LoadConfig(path string) (*FileConfig, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ReadConfig parses the file without defaults, for callers that overlay the
// environment and flags before calling ApplyDefaults.
func ReadConfig(path string) (*FileConfig, error) {
	var cfg FileConfig
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &cfg, nil
}

const (
	DefaultPageSize           = 200
	DefaultFetchTimeout       = 30 * time.Second
	DefaultKindergartenAPIURL = "https://e-childschoolinfo.moe.go.kr/api/notice/basicInfo2.do"
)

func (c *FileConfig) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = "facility-ingest.db"
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Run.Concurrency <= 0 {
		c.Run.Concurrency = 2
	}
	if c.Run.StaleAfter <= 0 {
		c.Run.StaleAfter = 6 * time.Hour
	}
	if c.Report.Job == "" {
		c.Report.Job = "facility-ingest"
	}
	if c.Report.Timeout <= 0 {
		c.Report.Timeout = 3 * time.Second
	}
	if c.Sources.Kindergarten.Endpoint == "" {
		c.Sources.Kindergarten.Endpoint = DefaultKindergartenAPIURL
	}
	for _, sc := range []*SourceConfig{&c.Sources.Childcare, &c.Sources.Kindergarten} {
		if sc.PageSize <= 0 {
			sc.PageSize = DefaultPageSize
		}
		if sc.Timeout <= 0 {
			sc.Timeout = DefaultFetchTimeout
		}
	}
}

// ApplyEnv overlays environment variables (already bound to v) on top of the
// file values. Variable names follow the original deployment.
func (c *FileConfig) ApplyEnv(v *viper.Viper) error {
	str := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	num := func(key string, dst *int) error {
		s := strings.TrimSpace(v.GetString(key))
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_DSN", &c.Database.DSN)
	str("CRON_SECRET", &c.Admin.Secret)
	str("ADMIN_ADDR", &c.Admin.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SYSLOG_ADDR", &c.Report.SyslogAddr)

	cc := &c.Sources.Childcare
	str("CHILDCARE_API_ENDPOINT", &cc.Endpoint)
	str("DATA_GO_KR_SERVICE_KEY", &cc.Credential)
	if err := num("INGEST_PAGE_SIZE", &cc.PageSize); err != nil {
		return err
	}

	kc := &c.Sources.Kindergarten
	str("KINDER_API_ENDPOINT", &kc.Endpoint)
	str("KINDER_API_KEY", &kc.Credential)
	str("KINDER_TIMING", &kc.Timing)
	if err := num("KINDER_PAGE_CNT", &kc.PageSize); err != nil {
		return err
	}
	if s := strings.TrimSpace(v.GetString("KINDER_CODE_PAIRS")); s != "" {
		pairs, err := ParseRegionPairs(s)
		if err != nil {
			return fmt.Errorf("KINDER_CODE_PAIRS: %w", err)
		}
		kc.RegionPairs = pairs
	} else if sido, sgg := v.GetString("KINDER_SIDO_CODE"), v.GetString("KINDER_SGG_CODE"); sido != "" && sgg != "" {
		p, err := parseRegionPair(sido + ":" + sgg)
		if err != nil {
			return fmt.Errorf("KINDER_SIDO_CODE/KINDER_SGG_CODE: %w", err)
		}
		kc.RegionPairs = RegionPairs{p}
	}
	return nil
}

// NewEnvViper returns a viper instance reading the process environment.
func NewEnvViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}
