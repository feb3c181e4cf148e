package broker

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BaseURL     string        `envconfig:"BROKER_BASE_URL" default:"https://api.sandbox-brokerage.local"`
	APIToken    string        `envconfig:"BROKER_API_TOKEN"`
	StreamURL   string        `envconfig:"BROKER_STREAM_URL"` // optional websocket quote feed
	Timeout     time.Duration `envconfig:"BROKER_TIMEOUT" default:"15s"`
	PaperTrade  bool          `envconfig:"PAPER_TRADE" default:"true"`
	PaperFillAt time.Duration `envconfig:"PAPER_FILL_AFTER" default:"3s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
