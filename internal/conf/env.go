// env.go - environment variable overrides
package conf

import (
	"strings"

	"github.com/spf13/viper"
)

// configureEnvironmentVariables maps AIRLIFT_SECTION_KEY to section.key.
// AutomaticEnv only covers keys viper already knows, which is every key
// because all of them have defaults.
func configureEnvironmentVariables(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
