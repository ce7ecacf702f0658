package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/hepnos-dataloader/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
input: files.txt
output: runs/2024
`)
	l := &FileLoader{path: path, lookupEnv: noEnv}

	cfg, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "files.txt", cfg.Input)
	assert.Equal(t, "runs/2024", cfg.Output)
	assert.Equal(t, "memory://", cfg.Connection)
	assert.Equal(t, 1024, cfg.BatchSize)
	assert.Equal(t, config.TransportMemory, cfg.Transport.Kind)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadGRPCJob(t *testing.T) {
	path := writeConfig(t, `
rank: 1
size: 3
input: files.txt
output: runs/2024
connection: postgres://loader@db/hep
async: true
threads: 4
batch_size: 64
logging: debug
transport:
  kind: grpc
  peers: ["node0:7000", "node1:7000", "node2:7000"]
`)
	l := &FileLoader{path: path, lookupEnv: noEnv}

	cfg, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Rank)
	assert.Equal(t, 3, cfg.Size)
	assert.True(t, cfg.Async)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, []string{"node0:7000", "node1:7000", "node2:7000"}, cfg.Transport.Peers)
}

func TestLoadDiscoversRankFromLauncher(t *testing.T) {
	path := writeConfig(t, `
input: files.txt
output: out
transport:
  kind: kafka
  kafka:
    brokers: ["kafka:9092"]
    topic: job-42
`)
	env := map[string]string{"OMPI_COMM_WORLD_RANK": "2", "OMPI_COMM_WORLD_SIZE": "4"}
	l := &FileLoader{path: path, lookupEnv: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}

	cfg, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Rank)
	assert.Equal(t, 4, cfg.Size)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid yaml", body: "input: [unclosed"},
		{name: "missing input", body: "output: out"},
		{name: "bad log level", body: "input: a\noutput: b\nlogging: verbose"},
		{name: "memory transport with several ranks", body: "input: a\noutput: b\nsize: 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &FileLoader{path: writeConfig(t, tt.body), lookupEnv: noEnv}
			_, err := l.Load(context.Background())
			assert.Error(t, err)
		})
	}

	_, err := NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.Error(t, err)
}
