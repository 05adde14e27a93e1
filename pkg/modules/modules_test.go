package modules

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/pkg/fixture"
)

func TestPostgres(t *testing.T) {
	cfg, err := Postgres(fixture.NewBuilder("")).Build()
	require.NoError(t, err)

	assert.Equal(t, PostgresImage, *cfg.Image)
	assert.Equal(t, []nat.Port{PostgresPort}, cfg.ExposedPorts)
	assert.Equal(t, PostgresPassword, cfg.Env["POSTGRES_PASSWORD"])
	assert.Equal(t, `all(log "database system is ready to accept connections" x2, port 5432/tcp)`, cfg.Wait.String())
}

func TestPostgres_UserSettingsWin(t *testing.T) {
	cfg, err := Apply(fixture.NewBuilder(""), Postgres, PostgresCredentials("app", "secret", "orders")).
		WithImage("postgres:17").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "postgres:17", *cfg.Image)
	assert.Equal(t, map[string]string{
		"POSTGRES_USER":     "app",
		"POSTGRES_PASSWORD": "secret",
		"POSTGRES_DB":       "orders",
	}, cfg.Env)
	assert.NotNil(t, cfg.Wait, "preset wait strategy is kept")
}

func TestRedis(t *testing.T) {
	cfg, err := Redis(fixture.NewBuilder("")).Build()
	require.NoError(t, err)

	assert.Equal(t, RedisImage, *cfg.Image)
	assert.Equal(t, []string{"redis-server", "--save", "", "--appendonly", "no"}, cfg.Command)
	assert.Equal(t, []nat.Port{RedisPort}, cfg.ExposedPorts)
}

func TestNginx(t *testing.T) {
	conf := []byte("server { listen 80; }")
	cfg, err := Apply(fixture.NewBuilder(""), Nginx, NginxConfig(conf)).Build()
	require.NoError(t, err)

	assert.Equal(t, NginxImage, *cfg.Image)
	require.Len(t, cfg.Files, 1)
	assert.Equal(t, "/etc/nginx/conf.d/default.conf", cfg.Files[0].Target)
	assert.Equal(t, conf, cfg.Files[0].Content)
	assert.Equal(t, "http GET 80/tcp/ expecting 200", cfg.Wait.String())
}

func TestLoadPresetFile(t *testing.T) {
	p, err := LoadPresetFile(filepath.Join("testdata", "postgres.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", p.Name)
	assert.Equal(t, 45*time.Second, p.Wait.Timeout)

	cfg, err := p.Init(fixture.NewBuilder("")).WithEnv("POSTGRES_DB", "override").Build()
	require.NoError(t, err)
	assert.Equal(t, "postgres:16-alpine", *cfg.Image)
	assert.Equal(t, "override", cfg.Env["POSTGRES_DB"])
	assert.Equal(t, "storage", cfg.Labels["team"])
	assert.Equal(t, []nat.Port{"5432/tcp"}, cfg.ExposedPorts)
	assert.Equal(t, 45*time.Second, *cfg.StartupTimeout)
	assert.Equal(t, `all(log "database system is ready to accept connections" x2, port 5432/tcp)`, cfg.Wait.String())
}

func TestLoadPreset_WaitVariants(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no wait",
			yaml: "image: busybox\n",
			want: "",
		},
		{
			name: "single http check",
			yaml: "image: web\nports: [\"8080\"]\nwait:\n  http:\n    path: healthz\n    port: \"8080\"\n    status: 204\n",
			want: "http GET 8080/tcp/healthz expecting 204",
		},
		{
			name: "exec and health",
			yaml: "image: db\nwait:\n  exec: [pg_isready, -q]\n  health: true\n",
			want: `all(exec "pg_isready -q" exit 0, health healthy)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := LoadPreset([]byte(tt.yaml))
			require.NoError(t, err)

			s := p.strategy()
			if tt.want == "" {
				assert.Nil(t, s)
				return
			}
			require.NotNil(t, s)
			assert.Equal(t, tt.want, s.String())
		})
	}
}

func TestLoadPreset_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty document", yaml: ""},
		{name: "missing image", yaml: "env:\n  A: b\n"},
		{name: "unknown key", yaml: "image: a\nimagee: b\n"},
		{name: "occurrence without log", yaml: "image: a\nwait:\n  occurrence: 2\n"},
		{name: "bad duration", yaml: "image: a\nwait:\n  timeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPreset([]byte(tt.yaml))
			assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
		})
	}
}

func TestApply_Order(t *testing.T) {
	first := func(b *fixture.Builder) *fixture.Builder { return b.WithEnv("K", "first") }
	second := func(b *fixture.Builder) *fixture.Builder { return b.WithEnv("K", "second") }

	cfg := Apply(fixture.NewBuilder("img"), first, second).Configuration()
	assert.Equal(t, "second", cfg.Env["K"])
	assert.Nil(t, cfg.Wait)
}
