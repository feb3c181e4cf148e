package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// APITokenHash is the bcrypt hash of the bearer token required on command
	// endpoints. Empty disables authentication (local use only).
	APITokenHash string `envconfig:"API_TOKEN_HASH"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
