package config

import (
	"os"
	"strings"
)

// LoadAPIKeysFromEnv scans env vars matching DBHEALTH_SERVICE_API_KEYS_<CLIENT_ID>=<key>[,<key>...]
// and fills c.APIKeys with a map from key value to clientId. Comma-separated
// values allow multiple keys per client for rotation.
func (c *Config) LoadAPIKeysFromEnv() {
	c.APIKeys = loadAPIKeysFromEnviron(os.Environ())
}

func loadAPIKeysFromEnviron(environ []string) map[string]string {
	const prefix = "DBHEALTH_SERVICE_API_KEYS_"
	result := map[string]string{}
	for _, env := range environ {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		clientID := strings.ToLower(strings.TrimSpace(env[len(prefix):eqIdx]))
		if clientID == "" {
			continue
		}
		for _, key := range strings.Split(env[eqIdx+1:], ",") {
			keyValue := strings.TrimSpace(key)
			if keyValue == "" {
				continue
			}
			result[keyValue] = clientID
		}
	}
	return result
}
