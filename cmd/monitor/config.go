package monitor

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// PaperAccount is the simulated account registered when PAPER_TRADE is on.
	PaperAccount string `envconfig:"PAPER_ACCOUNT" default:"PAPER000001"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
