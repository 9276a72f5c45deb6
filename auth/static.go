package auth

import (
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/spf13/viper"
	"github.com/xmidt-org/webpa-common/logging"
)

// StaticPluginName selects the environment-list plugin.
const StaticPluginName = "static"

// DeviceKeysKey is the environment variable holding the comma-separated
// device key allowlist.
const DeviceKeysKey = "DEVICE_KEYS"

// StaticPlugin admits device keys from a fixed allowlist read once at
// startup.  The key set is immutable after Initialize, so lookups need no
// synchronization.
type StaticPlugin struct {
	keys map[string]bool
}

func (p *StaticPlugin) Initialize(v *viper.Viper, logger log.Logger) error {
	p.keys = make(map[string]bool)
	for _, key := range strings.Split(v.GetString(DeviceKeysKey), ",") {
		if key = strings.TrimSpace(key); key != "" {
			p.keys[key] = true
		}
	}

	if len(p.keys) == 0 {
		logging.Warn(logger).Log(logging.MessageKey(), "no device keys configured; all controllers will be refused", "variable", DeviceKeysKey)
	} else {
		logging.Info(logger).Log(logging.MessageKey(), "static device key list loaded", "keys", len(p.keys))
	}

	return nil
}

func (p *StaticPlugin) ValidateKey(deviceKey string) (bool, error) {
	return p.keys[deviceKey], nil
}
