package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cstp-run/blackbox/internal/calibration"
	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/model"
)

type getCalibrationParams struct {
	Filters model.DecisionFilters `json:"filters"`
}

func handleGetCalibration(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p getCalibrationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed getCalibration params", err, true)
	}
	report, err := d.services.Calibration.GetCalibration(ctx, p.Filters)
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInternal, "getCalibration failed", err, false)
	}
	return report, nil
}

type checkDriftParams struct {
	Category            *string `json:"category"`
	RecentWindowSeconds int     `json:"recent_window_seconds"`
	BrierThreshold      float64 `json:"brier_threshold"`
	AccuracyThreshold   float64 `json:"accuracy_threshold"`
}

func handleCheckDrift(ctx context.Context, d *Dispatcher, agentID string, raw json.RawMessage) (any, error) {
	var p checkDriftParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "malformed checkDrift params", err, true)
	}
	opts := calibration.DriftOptions{
		Category: p.Category, BrierThreshold: p.BrierThreshold, AccuracyThreshold: p.AccuracyThreshold,
	}
	if p.RecentWindowSeconds > 0 {
		opts.RecentWindow = time.Duration(p.RecentWindowSeconds) * time.Second
	}
	report, err := d.services.Calibration.CheckDrift(ctx, opts)
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInternal, "checkDrift failed", err, false)
	}
	return report, nil
}
