package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/davecgh/go-spew/spew"
	"gopkg.in/yaml.v3"

	"gfx.cafe/gfx/pgrouter/lib/router"
)

// Load reads a rule file from disk. TOML is used for the ".toml" extension,
// YAML for everything else, matching the pool's on-disk config convention.
func Load(path string) (*Global, error) {
	var g Global
	ext := filepath.Ext(path)
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext {
	case ".toml":
		err := toml.Unmarshal(file, &g)
		if err != nil {
			return nil, err
		}
	case ".yml", ".yaml", ".json":
		fallthrough
	default:
		err := yaml.Unmarshal(file, &g)
		if err != nil {
			return nil, err
		}
	}

	for _, rule := range g.Rules {
		substituteEnv(&rule.Storage.Host)
		substituteEnv(&rule.Storage.User)
		substituteEnv(&rule.Storage.Password)
	}
	spew.Println(g)
	return &g, nil
}

func substituteEnv(field *string) {
	if strings.HasPrefix(*field, "ENV$") {
		*field = os.Getenv(strings.TrimPrefix(*field, "ENV$"))
	}
}

// Global is the top level shape of a pgrouter rule file.
type Global struct {
	General General       `toml:"general" yaml:"general" json:"general"`
	Rules   []*RuleConfig `toml:"rules" yaml:"rules" json:"rules"`
}

type General struct {
	Host string `toml:"host" yaml:"host" json:"host"`
	Port uint16 `toml:"port" yaml:"port" json:"port"`

	AdminOnly     bool   `toml:"admin_only" yaml:"admin_only" json:"admin_only"`
	AdminUsername string `toml:"admin_username" yaml:"admin_username" json:"admin_username"`
	AdminPassword string `toml:"admin_password" yaml:"admin_password" json:"admin_password"`

	EnableMetrics bool   `toml:"enable_prometheus_exporter" yaml:"enable_prometheus_exporter" json:"enable_prometheus_exporter"`
	MetricsPort   uint16 `toml:"prometheus_exporter_port" yaml:"prometheus_exporter_port" json:"prometheus_exporter_port"`

	// ClientMax is the process-wide cap on pending+active clients across every
	// route. ClientMaxSet distinguishes "0" from "unset" (unset means unbounded).
	ClientMaxSet bool `toml:"client_max_set" yaml:"client_max_set" json:"client_max_set"`
	ClientMax    uint `toml:"client_max" yaml:"client_max" json:"client_max"`

	PacketReadSize int  `toml:"packet_read_size" yaml:"packet_read_size" json:"packet_read_size"`
	IsMultiWorkers bool `toml:"is_multi_workers" yaml:"is_multi_workers" json:"is_multi_workers"`

	ExpireInterval int `toml:"expire_interval_ms" yaml:"expire_interval_ms" json:"expire_interval_ms"`

	AutoReload bool `toml:"autoreload" yaml:"autoreload" json:"autoreload"`
}

// RuleConfig is the on-disk shape of a router.Rule: a forward-match selector
// plus the storage endpoint and admission limits it resolves to.
type RuleConfig struct {
	Name string `toml:"name" yaml:"name" json:"name"`

	DBName     string `toml:"db_name" yaml:"db_name" json:"db_name"`
	DBNameRE   bool   `toml:"db_name_regex" yaml:"db_name_regex" json:"db_name_regex"`
	UserName   string `toml:"user_name" yaml:"user_name" json:"user_name"`
	UserNameRE bool   `toml:"user_name_regex" yaml:"user_name_regex" json:"user_name_regex"`

	StorageDB   string `toml:"storage_db" yaml:"storage_db" json:"storage_db"`
	StorageUser string `toml:"storage_user" yaml:"storage_user" json:"storage_user"`

	Storage StorageConfig `toml:"storage" yaml:"storage" json:"storage"`

	PoolSize int `toml:"pool_size" yaml:"pool_size" json:"pool_size"`
	PoolTTL  int `toml:"pool_ttl_ms" yaml:"pool_ttl_ms" json:"pool_ttl_ms"`

	ClientMaxSet bool `toml:"client_max_set" yaml:"client_max_set" json:"client_max_set"`
	ClientMax    uint `toml:"client_max" yaml:"client_max" json:"client_max"`
}

type StorageConfig struct {
	Host     string `toml:"host" yaml:"host" json:"host"`
	Port     uint16 `toml:"port" yaml:"port" json:"port"`
	Database string `toml:"database" yaml:"database" json:"database"`
	User     string `toml:"username" yaml:"username" json:"username"`
	Password string `toml:"password" yaml:"password" json:"password"`
	SSLMode  string `toml:"ssl_mode" yaml:"ssl_mode" json:"ssl_mode"`
}

// BuildRules converts the on-disk rule list into runtime router.Rule values,
// ready to be handed to Router.Reconfigure. Each rule starts unreferenced and
// not obsolete.
func (g *Global) BuildRules() []*router.Rule {
	rules := make([]*router.Rule, 0, len(g.Rules))
	for _, rc := range g.Rules {
		rules = append(rules, &router.Rule{
			Name:        rc.Name,
			DBName:      rc.DBName,
			DBNameRegex: rc.DBNameRE,
			UserName:    rc.UserName,
			UserRegex:   rc.UserNameRE,
			StorageDB:   rc.StorageDB,
			StorageUser: rc.StorageUser,
			Storage: &router.Storage{
				Host:     rc.Storage.Host,
				Port:     rc.Storage.Port,
				Database: rc.Storage.Database,
				User:     rc.Storage.User,
				Password: rc.Storage.Password,
				SSLMode:  rc.Storage.SSLMode,
			},
			PoolSize:     rc.PoolSize,
			PoolTTL:      rc.PoolTTL,
			ClientMaxSet: rc.ClientMaxSet,
			ClientMax:    rc.ClientMax,
		})
	}
	return rules
}
