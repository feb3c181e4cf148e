package mapper

import (
	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/broker"
	"riskmonitor/src/model"
)

// MapPositionRecords converts raw broker option positions into monitored
// positions. Short positions and zero-quantity records are skipped: the
// monitor only protects long options. Records on the same contract are merged
// by key, summing quantity and cost basis.
func MapPositionRecords(records []broker.PositionRecord) []model.Position {
	byKey := make(map[string]*model.Position)
	var order []string

	for _, rec := range records {
		if rec.PositionType != "" && rec.PositionType != "long" {
			logger.WithFields(logger.Fields{
				"symbol": rec.Symbol,
				"type":   rec.PositionType,
			}).Debug("skipping non-long option position")
			continue
		}
		if rec.Quantity <= 0 {
			continue
		}
		if rec.OptionType != model.OptionTypeCall && rec.OptionType != model.OptionTypePut {
			logger.WithFields(logger.Fields{
				"symbol":      rec.Symbol,
				"option_type": rec.OptionType,
			}).Warn("skipping position with unknown option type")
			continue
		}

		p := model.Position{
			Symbol:         rec.Symbol,
			StrikePrice:    rec.StrikePrice,
			OptionType:     rec.OptionType,
			ExpirationDate: rec.ExpirationDate,
			Quantity:       rec.Quantity,
			OpenPremium:    rec.AveragePrice * float64(rec.Quantity),
		}
		if rec.OptionID != "" {
			p.OptionIDs = []string{rec.OptionID}
		}

		key := p.Key()
		if existing, ok := byKey[key]; ok {
			existing.Quantity += p.Quantity
			existing.OpenPremium += p.OpenPremium
			if rec.OptionID != "" && !containsString(existing.OptionIDs, rec.OptionID) {
				existing.OptionIDs = append(existing.OptionIDs, rec.OptionID)
			}
			continue
		}
		byKey[key] = &p
		order = append(order, key)
	}

	out := make([]model.Position, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
