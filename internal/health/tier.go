package health

import "pocketSettle/internal/model"

// ClassifyTier maps a fee proxy onto ascending thresholds. A ledger without
// thresholds is always low.
func ClassifyTier(fee float64, th model.FeeThresholds) model.CongestionTier {
	switch {
	case th.Low <= 0 && th.Medium <= 0 && th.High <= 0:
		return model.TierLow
	case fee < th.Low:
		return model.TierLow
	case fee < th.Medium:
		return model.TierMedium
	case fee < th.High:
		return model.TierHigh
	default:
		return model.TierCritical
	}
}
