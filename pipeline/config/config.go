// Package config loads a pipeline's topology and HTTP binding from a YAML
// file, per §6's external configuration surface.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// NodeConfig describes one DAG vertex as read from the pipeline's config
// file (§6). Kind selects which Strategy constructor wires the node;
// Predecessors names local edges by node ID, while the Remote*
// fields name edges crossing into another pipeline via the connector.
type NodeConfig struct {
	Name               string   `mapstructure:"name" yaml:"name"`
	Kind               string   `mapstructure:"kind" yaml:"kind"`
	Predecessors       []string `mapstructure:"predecessors" yaml:"predecessors,omitempty"`
	RemotePredecessors []string `mapstructure:"remote_predecessors" yaml:"remote_predecessors,omitempty"`
	RemoteSuccessors   []string `mapstructure:"remote_successors" yaml:"remote_successors,omitempty"`
	WaitForConnection  bool     `mapstructure:"wait_for_connection" yaml:"wait_for_connection,omitempty"`
	TriggerThreshold   int      `mapstructure:"trigger_threshold" yaml:"trigger_threshold,omitempty"`
	WatchPath          string   `mapstructure:"watch_path" yaml:"watch_path,omitempty"`
	InitState          string   `mapstructure:"init_state" yaml:"init_state,omitempty"`
}

// PeerConfig names a remote pipeline this one connects to as a
// predecessor or successor over the connector protocol (§4.2).
type PeerConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TLSConfig configures the pipeline's HTTP server for TLS termination.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
}

// PipelineConfig is the root shape of a pipeline's config file (§6):
// identity, HTTP binding, its nodes, and the remote peers it federates
// with.
type PipelineConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	TLS          *TLSConfig    `mapstructure:"tls" yaml:"tls,omitempty"`
	Nodes        []NodeConfig  `mapstructure:"nodes" yaml:"nodes"`
	RemotePeers  []PeerConfig  `mapstructure:"remote_peers" yaml:"remote_peers,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// Load reads and unmarshals the pipeline config at path, applying
// defaults for any field the file omits.
func Load(path string) (*PipelineConfig, error) {
	v := viper.New()

	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	ext := filepath.Ext(filename)
	nameWithoutExt := strings.TrimSuffix(filename, ext)

	v.SetConfigName(nameWithoutExt)
	v.SetConfigType(strings.TrimPrefix(ext, "."))
	v.AddConfigPath(dir)

	v.SetEnvPrefix("ANACOSTIA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("poll_interval", "5s")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg PipelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if cfg.Name == "" {
		return nil, fmt.Errorf("config: %s: name is required", path)
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("config: %s: at least one node is required", path)
	}

	return &cfg, nil
}

// Addr returns the host:port the pipeline's HTTP server should bind to.
func (c *PipelineConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Dump serializes the effective configuration (file contents plus
// applied defaults) back to YAML, for an operator inspecting what a
// pipeline actually resolved a config file to (e.g. a --dump-config
// flag), independent of viper's own internal representation.
func (c *PipelineConfig) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: dump: %w", err)
	}
	return out, nil
}
