package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
mud:
  name: LuminariMUD
  port: 4100
  admin_email: imps@luminari.example
auth:
  keys:
    - id: key-admin
      hash: sha256:0c7e1f5f6f27c0e7a0d2b06ad6b4b94e1a4f0f3a6a21f9f2f0b0c1d2e3f40516
      mud_name: LuminariMUD
      permissions: ["*"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// clearGatewayEnv pins every variable applyEnv reads so ambient shell
// state cannot leak into assertions.
func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"MUD_NAME", "MUD_PORT", "ADMIN_EMAIL",
		"I3_ROUTER_HOST", "I3_ROUTER_PORT", "I3_ROUTER_NAME",
		"I3_API_KEYS", "I3_WS_ADDR", "I3_TCP_ADDR", "I3_HEALTH_ADDR",
		"I3_STATE_FILE", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"HISTORY_DSN",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadMinimalFileFillsDefaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "LuminariMUD", cfg.Mud.Name)
	assert.Equal(t, 4100, cfg.Mud.Port)
	assert.Equal(t, "Custom", cfg.Mud.Mudlib, "unset identity fields keep defaults")

	require.Len(t, cfg.Router.Hosts, 2)
	assert.Equal(t, "*i4", cfg.Router.Hosts[0].Name)
	assert.Equal(t, "204.209.44.3:8080", cfg.Router.Hosts[0].Address)

	assert.Equal(t, ":8080", cfg.API.WSAddr)
	assert.Equal(t, ":8081", cfg.API.TCPAddr)
	assert.Equal(t, ":8082", cfg.API.HealthAddr)
	assert.Equal(t, "data/state.json", cfg.Persist.File)

	require.Len(t, cfg.Auth.Keys, 1)
	assert.Equal(t, "key-admin", cfg.Auth.Keys[0].ID)
}

func TestFileOverridesDefaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := Load(writeConfig(t, minimalYAML+`
router:
  hosts:
    - name: "*testrouter"
      address: 192.0.2.10:9000
  heartbeat_seconds: 120
rate_limit:
  classes:
    - name: tell
      per_minute: 5
      burst: 2
sessions:
  ttl_minutes: 30
  queue_capacity: 500
`))
	require.NoError(t, err)

	require.Len(t, cfg.Router.Hosts, 1, "file host list replaces the default list")
	assert.Equal(t, "*testrouter", cfg.Router.Hosts[0].Name)
	assert.Equal(t, "192.0.2.10:9000", cfg.Router.Hosts[0].Address)
	assert.Equal(t, 120, cfg.Router.HeartbeatSeconds)

	require.Len(t, cfg.RateLimit.Classes, 1)
	assert.Equal(t, "tell", cfg.RateLimit.Classes[0].Name)
	assert.Equal(t, 5, cfg.RateLimit.Classes[0].PerMinute)

	assert.Equal(t, 30, cfg.Sessions.TTLMinutes)
	assert.Equal(t, 500, cfg.Sessions.QueueCapacity)
}

func TestUnknownKeysAreErrors(t *testing.T) {
	clearGatewayEnv(t)

	_, err := Load(writeConfig(t, `
mud:
  nmae: LuminariMUD
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nmae")
}

func TestMissingNamedFileIsAnError(t *testing.T) {
	clearGatewayEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("MUD_NAME", "OverrideMUD")
	t.Setenv("MUD_PORT", "6666")
	t.Setenv("ADMIN_EMAIL", "ops@override.example")
	t.Setenv("I3_WS_ADDR", ":18080")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("HISTORY_DSN", "postgres://history")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "OverrideMUD", cfg.Mud.Name)
	assert.Equal(t, 6666, cfg.Mud.Port)
	assert.Equal(t, "ops@override.example", cfg.Mud.AdminEmail)
	assert.Equal(t, ":18080", cfg.API.WSAddr)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://history", cfg.History.DSN)
}

func TestRouterEnvReplacesHostList(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("I3_ROUTER_HOST", "203.0.113.77")
	t.Setenv("I3_ROUTER_PORT", "9999")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Router.Hosts, 1, "explicit endpoint drops the stock fallbacks")
	assert.Equal(t, "*i4", cfg.Router.Hosts[0].Name)
	assert.Equal(t, "203.0.113.77:9999", cfg.Router.Hosts[0].Address)
}

func TestRouterEnvNameOverride(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("I3_ROUTER_HOST", "203.0.113.77")
	t.Setenv("I3_ROUTER_NAME", "*lpc")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Router.Hosts, 1)
	assert.Equal(t, "*lpc", cfg.Router.Hosts[0].Name)
	assert.Equal(t, "203.0.113.77:8080", cfg.Router.Hosts[0].Address, "port defaults to 8080")
}

func TestAPIKeysFromEnv(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("MUD_NAME", "LuminariMUD")
	t.Setenv("I3_API_KEYS",
		"key-a:LuminariMUD:sha256:aabb, key-b:WatcherMUD:bcrypt:$2a$10$abcdefghijklmnopqrstuv")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Len(t, cfg.Auth.Keys, 2)
	assert.Equal(t, "key-a", cfg.Auth.Keys[0].ID)
	assert.Equal(t, "LuminariMUD", cfg.Auth.Keys[0].MudName)
	assert.Equal(t, "sha256:aabb", cfg.Auth.Keys[0].Hash, "hash keeps its scheme prefix")
	assert.Equal(t, []string{"*"}, cfg.Auth.Keys[0].Permissions)
	assert.Equal(t, "bcrypt:$2a$10$abcdefghijklmnopqrstuv", cfg.Auth.Keys[1].Hash)
}

func TestAPIKeysEnvRejectsMalformedEntry(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("MUD_NAME", "LuminariMUD")
	t.Setenv("I3_API_KEYS", "justakeywithoutstructure")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id:mud_name:hash")
}

func TestBadIntegerEnvFails(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("MUD_PORT", "not-a-port")

	_, err := Load(writeConfig(t, minimalYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MUD_PORT")
}

func TestValidateRequiresMudName(t *testing.T) {
	clearGatewayEnv(t)

	_, err := Load(writeConfig(t, `
auth:
  keys:
    - id: k
      hash: sha256:aa
      mud_name: X
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mud.name")
}

func TestValidateRequiresAPIKeys(t *testing.T) {
	clearGatewayEnv(t)

	_, err := Load(writeConfig(t, `
mud:
  name: LuminariMUD
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.keys")
}

func TestValidateRequiresHostAddresses(t *testing.T) {
	clearGatewayEnv(t)

	_, err := Load(writeConfig(t, minimalYAML+`
router:
  hosts:
    - name: "*broken"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address")
}

func TestEnvOnlyBoot(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("MUD_NAME", "LuminariMUD")
	t.Setenv("I3_API_KEYS", "key-a:LuminariMUD:sha256:aabb")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "LuminariMUD", cfg.Mud.Name)
	require.Len(t, cfg.Router.Hosts, 2, "stock router list survives env-only boot")
}
