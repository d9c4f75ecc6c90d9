package common

import (
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the config file (when given) and layers FLOWGATE_*
// environment variables on top, so deploys can override single keys
// without editing files.
func LoadConfig(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("FLOWGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}
