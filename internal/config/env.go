package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/luminarimud/i3-gateway/internal/auth"
)

// applyEnv layers environment overrides over the file values. Each
// variable, when set and non-empty, wins:
//
//	MUD_NAME, MUD_PORT, ADMIN_EMAIL          mud identity
//	I3_ROUTER_HOST, I3_ROUTER_PORT           primary router endpoint
//	I3_ROUTER_NAME                           its router name (default *i4)
//	I3_API_KEYS                              comma-separated id:mud_name:hash
//	I3_WS_ADDR, I3_TCP_ADDR, I3_HEALTH_ADDR  listener addresses
//	I3_STATE_FILE                            persisted state path
//	REDIS_ADDR, REDIS_PASSWORD, REDIS_DB     session index backend
//	HISTORY_DSN                              postgres channel history
func (c *Config) applyEnv() error {
	envString("MUD_NAME", &c.Mud.Name)
	if err := envInt("MUD_PORT", &c.Mud.Port); err != nil {
		return err
	}
	envString("ADMIN_EMAIL", &c.Mud.AdminEmail)

	if err := c.applyRouterEnv(); err != nil {
		return err
	}
	if raw := os.Getenv("I3_API_KEYS"); raw != "" {
		keys, err := parseKeyList(raw)
		if err != nil {
			return err
		}
		c.Auth.Keys = keys
	}

	envString("I3_WS_ADDR", &c.API.WSAddr)
	envString("I3_TCP_ADDR", &c.API.TCPAddr)
	envString("I3_HEALTH_ADDR", &c.API.HealthAddr)
	envString("I3_STATE_FILE", &c.Persist.File)

	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	if err := envInt("REDIS_DB", &c.Redis.DB); err != nil {
		return err
	}
	envString("HISTORY_DSN", &c.History.DSN)
	return nil
}

// applyRouterEnv replaces the whole host list with the one endpoint
// from the environment. Failing over from an operator-chosen router to
// a stock one would present the wrong password, so no fallbacks are
// kept.
func (c *Config) applyRouterEnv() error {
	host := os.Getenv("I3_ROUTER_HOST")
	if host == "" {
		return nil
	}
	port := 8080
	if v := os.Getenv("I3_ROUTER_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: I3_ROUTER_PORT: %q is not an integer", v)
		}
		port = n
	}
	name := os.Getenv("I3_ROUTER_NAME")
	if name == "" {
		name = "*i4"
	}
	c.Router.Hosts = []RouterHost{
		{Name: name, Address: net.JoinHostPort(host, strconv.Itoa(port))},
	}
	return nil
}

// parseKeyList reads id:mud_name:hash entries. The hash keeps its
// scheme prefix, so splitting stops after the second colon. Keys from
// the environment get full permissions; finer grants need the file.
func parseKeyList(raw string) ([]auth.KeyRecord, error) {
	var keys []auth.KeyRecord
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("config: I3_API_KEYS entry %q: want id:mud_name:hash", entry)
		}
		keys = append(keys, auth.KeyRecord{
			ID:          parts[0],
			MudName:     parts[1],
			Hash:        parts[2],
			Permissions: []string{"*"},
		})
	}
	if len(keys) == 0 {
		return nil, errors.New("config: I3_API_KEYS is set but holds no entries")
	}
	return keys, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %q is not an integer", name, v)
	}
	*dst = n
	return nil
}
