package monitor

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	StopLossPercent   float64 `envconfig:"STOP_LOSS_PERCENT" default:"50"`
	TakeProfitPercent float64 `envconfig:"TAKE_PROFIT_PERCENT" default:"50"`
	EmergencyCloseDTE int     `envconfig:"EMERGENCY_CLOSE_DTE" default:"1"`

	MonitoringInterval      time.Duration `envconfig:"MONITORING_INTERVAL" default:"1s"`
	ClosedPollInterval      time.Duration `envconfig:"CLOSED_POLL_INTERVAL" default:"60s"`
	QuoteRefreshInterval    time.Duration `envconfig:"QUOTE_REFRESH_INTERVAL" default:"8s"`
	PositionRefreshInterval time.Duration `envconfig:"POSITION_REFRESH_INTERVAL" default:"30s"`

	RepriceThrottle    time.Duration `envconfig:"REPRICE_THROTTLE" default:"10s"`
	RepriceMinDelta    float64       `envconfig:"REPRICE_MIN_DELTA" default:"0.01"`
	StopSlippageBuffer float64       `envconfig:"STOP_SLIPPAGE_BUFFER" default:"0.03"`

	// CloseLimitDiscount shaves the limit below the mark on advisory closes so
	// the order fills quickly without selling at market.
	CloseLimitDiscount float64 `envconfig:"CLOSE_LIMIT_DISCOUNT" default:"0.05"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
