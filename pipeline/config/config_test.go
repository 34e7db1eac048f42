package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-dev/anacostia-go/pipeline/config"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
name: ingest
nodes:
  - name: store
    kind: metadata_store
  - name: incoming
    kind: resource
    watch_path: /data/incoming
    trigger_threshold: 5
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "5s", cfg.PollInterval.String())
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, 5, cfg.Nodes[1].TriggerThreshold)
}

func TestLoad_RejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
nodes:
  - name: store
    kind: metadata_store
`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsEmptyNodeList(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
name: ingest
nodes: []
`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestPipelineConfig_DumpSerializesToYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
name: ingest
nodes:
  - name: store
    kind: metadata_store
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(out), "name: ingest")
	assert.Contains(t, string(out), "kind: metadata_store")
}

func TestLoad_ReadsRemotePeersAndTLS(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
name: train
host: 127.0.0.1
port: 9090
tls:
  cert_file: /etc/anacostia/cert.pem
  key_file: /etc/anacostia/key.pem
nodes:
  - name: store
    kind: metadata_store
  - name: train_model
    kind: action
    predecessors: ["incoming"]
    remote_predecessors: ["http://ingest.internal:8080/node/incoming"]
remote_peers:
  - name: ingest
    addr: http://ingest.internal:8080
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	require.NotNil(t, cfg.TLS)
	assert.Equal(t, "/etc/anacostia/cert.pem", cfg.TLS.CertFile)
	require.Len(t, cfg.RemotePeers, 1)
	assert.Equal(t, "http://ingest.internal:8080", cfg.RemotePeers[0].Addr)
	require.Len(t, cfg.Nodes[1].RemotePredecessors, 1)
}
