package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "transport.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadOptions(t *testing.T) {
	require := require.New(t)

	path := writeConfigFile(t, `
smsg_credits = 4
smsg_limit = 256
fma_limit = 512
get_limit = 65536
eager_limit = 128
rdma_max_retries = 2
smsg_max_retries = 3
local_cq_depth = 64
remote_cq_depth = 96
max_mem_registrations = 100
peer_count = 600

[free_list]
initial = 2
max = 8
increment = 2

[eager_list]
initial = 1
max = 4
increment = 1
`)

	opts, err := LoadOptions(path)
	require.NoError(err)

	cfg, err := NewConfig(opts...)
	require.NoError(err)

	require.Equal(2, cfg.fragInitial)
	require.Equal(8, cfg.fragMax)
	require.Equal(2, cfg.fragIncrement)
	require.Equal(1, cfg.eagerInitial)
	require.Equal(4, cfg.eagerMax)
	require.Equal(1, cfg.eagerIncrement)
	require.Equal(4, cfg.smsgCredits)
	require.Equal(256, cfg.smsgLimit)
	require.Equal(512, cfg.fmaLimit)
	require.Equal(65536, cfg.getLimit)
	require.Equal(128, cfg.eagerLimit)
	require.Equal(2, cfg.rdmaMaxRetries)
	require.Equal(3, cfg.smsgMaxRetries)
	require.Equal(64, cfg.localCQDepth)
	require.Equal(96, cfg.remoteCQDepth)
	require.Equal(100, cfg.maxMemReg)
	require.Equal(600, cfg.peerCount)
}

func TestLoadOptions_PartialFile(t *testing.T) {
	require := require.New(t)

	path := writeConfigFile(t, "smsg_credits = 7\n")

	opts, err := LoadOptions(path)
	require.NoError(err)
	require.Len(opts, 1)

	cfg, err := NewConfig(opts...)
	require.NoError(err)

	require.Equal(7, cfg.smsgCredits)
	// Absent keys keep their defaults.
	require.Equal(16384, cfg.fragMax)
	require.Equal(8192, cfg.eagerLimit)
}

func TestLoadOptions_Errors(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		require := require.New(t)

		path := writeConfigFile(t, "smsg_credit_count = 4\n")
		_, err := LoadOptions(path)
		require.Error(err)
		require.Contains(err.Error(), "unknown config keys")
	})

	t.Run("missing file", func(t *testing.T) {
		require := require.New(t)

		_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.toml"))
		require.Error(err)
	})

	t.Run("invalid value surfaces through NewConfig", func(t *testing.T) {
		require := require.New(t)

		path := writeConfigFile(t, "smsg_credits = 0\n")
		opts, err := LoadOptions(path)
		require.NoError(err)

		_, err = NewConfig(opts...)
		require.EqualError(err, "short-message credits must be positive")
	})
}
