package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/socket"
)

func TestLoad_CreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())
	assert.Equal(t, access.DefaultDDoSConfig(), cfg.DDoS)
}

func TestLoadFile_OverlaysDefaults(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "json",
			file:    "hercules.json",
			content: `{"socket": {"stall_time": 30, "poller": "select"}, "ddos": {"count": 5}}`,
		},
		{
			name: "yaml",
			file: "hercules.yaml",
			content: strings.Join([]string{
				"socket:",
				"  stall_time: 30",
				"  poller: select",
				"ddos:",
				"  count: 5",
			}, "\n"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			cfg, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, int64(30), cfg.Socket.StallTime)
			assert.Equal(t, socket.PollerSelect, cfg.Socket.Poller)
			assert.Equal(t, 5, cfg.DDoS.Count)
			assert.Equal(t, int64(3000), cfg.DDoS.Interval, "unset fields keep defaults")
			assert.True(t, cfg.Socket.Shortlist)
		})
	}
}

func TestLoadFile_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hercules.yml")
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	cfg.IPRules.DenyList = []string{"10.0.0.0/8"}
	require.NoError(t, cfg.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "deny_list:")

	again, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8"}, again.IPRules.DenyList)
}

func TestReload_ReplacesAccessSections(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	edited := DefaultConfig()
	edited.path = cfg.Path()
	edited.IPRules.AllowList = []string{"192.168.0.0/16"}
	edited.Server.Port = 7000
	require.NoError(t, edited.Save())

	require.NoError(t, cfg.Reload())
	assert.Equal(t, []string{"192.168.0.0/16"}, cfg.IPRules.AllowList)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port, "server section needs a restart")
}

func TestSocketOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPRules.Order = "allow,deny"
	cfg.IPRules.AllowList = []string{"10.0.0.0/8"}
	cfg.Socket.Debug = true

	opts, err := cfg.SocketOptions()
	require.NoError(t, err)
	assert.Equal(t, access.AllowDeny, opts.ACL.Order)
	assert.Equal(t, access.AcceptUnconditional, opts.ACL.Check(access.MakeIP(10, 1, 2, 3)))
	assert.True(t, opts.AccessDebug)
	assert.True(t, opts.Network.AllowedIPCheck(access.MakeIP(127, 0, 0, 1)))

	cfg.IPRules.DenyList = []string{"300.0.0.1"}
	_, err = cfg.SocketOptions()
	assert.Error(t, err)
}

func TestBindAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.BindIP = "127.0.0.1"
	ip, port := cfg.BindAddr()
	assert.Equal(t, access.MakeIP(127, 0, 0, 1), ip)
	assert.Equal(t, uint16(DefaultServerPort), port)
}

func TestRunSetupWizard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.path = path

	input := strings.Join([]string{
		"127.0.0.1", // bind
		"7001",      // port
		"select",    // poller
		"",          // ip rules enabled
		"",          // order
		"10.0.0.0/8, 192.168.0.0/16",
		"",       // deny list
		"",       // upstream
		"yes",    // api
		"",       // api port
		"secret", // token
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(input), &out))

	assert.Equal(t, "127.0.0.1", cfg.Server.BindIP)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, socket.PollerSelect, cfg.Socket.Poller)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.IPRules.AllowList)
	assert.Equal(t, "secret", cfg.API.Token)
	assert.FileExists(t, path)
}

func TestRunSetupWizard_InvalidGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.json")

	input := "\n\nkqueue\n\n\n\n\n\nno\nno\n"
	err := RunSetupWizard(cfg, strings.NewReader(input), &bytes.Buffer{})
	assert.Error(t, err)
	assert.NoFileExists(t, cfg.path)
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Token = "secret"

	out := cfg.Redacted()
	assert.Equal(t, redactedSecret, out.API.Token)
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, cfg.Socket, out.Socket)

	cfg.API.Token = ""
	assert.Empty(t, cfg.Redacted().API.Token)
}
