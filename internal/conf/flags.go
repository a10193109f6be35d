// conf/flags.go binds command line flags to config keys
package conf

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FlagBinding ties one flag to the config key it overrides.
type FlagBinding struct {
	Flag string
	Key  string
}

// BindFlags binds each flag in fs to its config key on v. A flag only
// overrides the file and environment when it is set on the command line.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings ...FlagBinding) error {
	for _, b := range bindings {
		f := fs.Lookup(b.Flag)
		if f == nil {
			return fmt.Errorf("error binding flags: no flag %q", b.Flag)
		}
		if err := v.BindPFlag(b.Key, f); err != nil {
			return fmt.Errorf("error binding flag %q to %s: %w", b.Flag, b.Key, err)
		}
	}
	return nil
}
