package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keephost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_NoPath_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_ValidConfig_ParsesSitesAndProxies(t *testing.T) {
	content := `
proxies:
  - port: 443
    tls: true
    certPath: /etc/keephost/cert.pem
    keyPath: /etc/keephost/key.pem
    sites: ["example.net"]
sites:
  - host: example.net
    port: 9001
    auth: true
    databases: ["main"]
    handlers:
      - code: content
        options:
          root: /srv/example
databases:
  main:
    file: /var/lib/keephost/main.json
mail:
  from: noreply@example.net
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Proxies, 1)
	assert.Equal(t, 443, cfg.Proxies[0].Port)
	assert.True(t, cfg.Proxies[0].TLS)

	require.Len(t, cfg.Sites, 1)
	assert.Equal(t, "example.net", cfg.Sites[0].Host)
	assert.True(t, cfg.Sites[0].AuthEnabled)
	assert.Equal(t, []string{"main"}, cfg.Sites[0].Databases)

	db, ok := cfg.Databases["main"]
	require.True(t, ok)
	assert.Equal(t, "/var/lib/keephost/main.json", db.File)

	assert.Equal(t, "noreply@example.net", cfg.Mail.From)
	assert.NotEmpty(t, cfg.TempDir)
}

func TestLoad_DuplicateHost_ReturnsError(t *testing.T) {
	content := `
sites:
  - host: example.net
    port: 9001
  - host: example.net
    port: 9002
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingHost_ReturnsError(t *testing.T) {
	content := `
sites:
  - port: 9001
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_TLSProxyWithoutCertPaths_ReturnsError(t *testing.T) {
	content := `
proxies:
  - port: 443
    tls: true
    sites: ["example.net"]
sites:
  - host: example.net
    port: 9001
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_UnreadableFile_ReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolvePath_PrefersEnvVar(t *testing.T) {
	path := writeTemp(t, "sites: []\n")
	t.Setenv("KEEPHOST_CONFIG", path)

	assert.Equal(t, path, ResolvePath())
}

func TestResolvePath_NoEnvNoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("KEEPHOST_CONFIG", "")
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	assert.Equal(t, "", ResolvePath())
}
