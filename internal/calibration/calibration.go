// Package calibration implements the calibration and drift service: Brier
// score, accuracy, confidence buckets, habituation detection and rolling-
// window drift (spec §4.G).
package calibration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/model"
)

// Minimum sample sizes below which a score is replaced by an
// "insufficient data" note, per §4.G.
const (
	minBrierSample    = 5
	minCategorySample = 5
	minWindowSample   = 5
)

// Default drift thresholds, per §4.G.
const (
	DefaultBrierThreshold    = 0.20
	DefaultAccuracyThreshold = 0.15
	defaultRecentWindow      = 30 * 24 * time.Hour
)

// Service computes calibration metrics over a DecisionStore's reviewed
// decisions. Both operations are read-only and pure functions of the
// underlying decision set at call time, per §4.G.
type Service struct {
	Store decisionstore.Store
}

// New returns a ready Service.
func New(store decisionstore.Store) *Service {
	return &Service{Store: store}
}

// Bucket is one of the 5 equal-width confidence ranges used by getCalibration.
type Bucket struct {
	RangeLow      float64 `json:"range_low"`
	RangeHigh     float64 `json:"range_high"`
	Count         int     `json:"count"`
	MeanPredicted float64 `json:"mean_predicted"`
	SuccessRate   float64 `json:"success_rate"`
	Brier         float64 `json:"brier"`
}

// Distribution summarizes the confidence values of the scored set.
type Distribution struct {
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Count        int     `json:"count"`
	BucketCounts [5]int  `json:"bucket_counts"`
}

// Recommendation is a textual suggestion surfaced alongside a calibration
// report, per §4.G.
type Recommendation struct {
	Severity string `json:"severity"` // info | warning
	Message  string `json:"message"`
}

// Report is getCalibration's output.
type Report struct {
	Brier           *float64         `json:"brier,omitempty"`
	Accuracy        *float64         `json:"accuracy,omitempty"`
	CalibrationGap  *float64         `json:"calibration_gap,omitempty"`
	Buckets         []Bucket         `json:"buckets,omitempty"`
	Distribution    *Distribution    `json:"distribution,omitempty"`
	Habituation     bool             `json:"habituation"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	SampleSize      int              `json:"sample_size"`
	InsufficientData bool            `json:"insufficient_data"`
	Note            string           `json:"note,omitempty"`
}

// GetCalibration computes the Brier/accuracy/bucket/habituation report over
// the reviewed decisions matching filters, per §4.G.
func (s *Service) GetCalibration(ctx context.Context, filters model.DecisionFilters) (Report, error) {
	decided := true
	f := filters
	f.HasOutcome = &decided
	decisions, err := s.reviewedDecisions(ctx, f)
	if err != nil {
		return Report{}, err
	}
	return scoreReport(decisions), nil
}

func (s *Service) reviewedDecisions(ctx context.Context, filters model.DecisionFilters) ([]model.Decision, error) {
	all, err := decisionstore.ListAll(ctx, s.Store, filters, model.SortDesc)
	if err != nil {
		return nil, fmt.Errorf("calibration: list reviewed decisions: %w", err)
	}
	out := make([]model.Decision, 0, len(all))
	for _, d := range all {
		if d.Outcome != nil && d.Outcome.Outcome != model.OutcomeAbandoned {
			out = append(out, d)
		}
	}
	return out, nil
}

func scoreReport(decisions []model.Decision) Report {
	if len(decisions) < minBrierSample {
		return Report{SampleSize: len(decisions), InsufficientData: true, Note: "insufficient data: fewer than 5 reviewed decisions"}
	}

	var confidences, binaries []float64
	for _, d := range decisions {
		confidences = append(confidences, d.Confidence)
		binaries = append(binaries, outcomeBinary(d))
	}

	brier := brierScore(confidences, binaries)
	accuracy := successFraction(decisions)
	gap := math.Abs(mean(confidences) - mean(binaries))
	buckets := bucketize(confidences, binaries)
	dist := distribution(confidences, buckets)
	habituated := isHabituated(dist)
	recs := recommendations(gap, habituated, accuracy)

	return Report{
		Brier: &brier, Accuracy: &accuracy, CalibrationGap: &gap,
		Buckets: buckets, Distribution: &dist, Habituation: habituated,
		Recommendations: recs, SampleSize: len(decisions),
	}
}

func outcomeBinary(d model.Decision) float64 {
	switch d.Outcome.Outcome {
	case model.OutcomeSuccess:
		return 1
	case model.OutcomePartial:
		return 0.5
	default:
		return 0
	}
}

func successFraction(decisions []model.Decision) float64 {
	successes := 0
	for _, d := range decisions {
		if d.Outcome.Outcome == model.OutcomeSuccess {
			successes++
		}
	}
	return float64(successes) / float64(len(decisions))
}

func brierScore(confidences, binaries []float64) float64 {
	sum := 0.0
	for i := range confidences {
		diff := confidences[i] - binaries[i]
		sum += diff * diff
	}
	return sum / float64(len(confidences))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

func bucketIndex(confidence float64) int {
	idx := int(confidence * 5)
	if idx > 4 {
		idx = 4
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func bucketize(confidences, binaries []float64) []Bucket {
	buckets := make([]Bucket, 5)
	for i := range buckets {
		buckets[i] = Bucket{RangeLow: float64(i) * 0.2, RangeHigh: float64(i+1) * 0.2}
	}
	predictedSums := make([]float64, 5)
	outcomeSums := make([]float64, 5)
	brierSums := make([]float64, 5)

	for i, c := range confidences {
		idx := bucketIndex(c)
		buckets[idx].Count++
		predictedSums[idx] += c
		outcomeSums[idx] += binaries[i]
		diff := c - binaries[i]
		brierSums[idx] += diff * diff
	}
	for i := range buckets {
		if buckets[i].Count == 0 {
			continue
		}
		n := float64(buckets[i].Count)
		buckets[i].MeanPredicted = predictedSums[i] / n
		buckets[i].SuccessRate = outcomeSums[i] / n
		buckets[i].Brier = brierSums[i] / n
	}
	return buckets
}

func distribution(confidences []float64, buckets []Bucket) Distribution {
	m := mean(confidences)
	d := Distribution{Mean: m, StdDev: stdDev(confidences, m), Count: len(confidences)}
	if len(confidences) > 0 {
		d.Min, d.Max = confidences[0], confidences[0]
		for _, c := range confidences {
			if c < d.Min {
				d.Min = c
			}
			if c > d.Max {
				d.Max = c
			}
		}
	}
	for i, b := range buckets {
		d.BucketCounts[i] = b.Count
	}
	return d
}

// isHabituated flags a confidence distribution that stopped discriminating
// between decisions, per §4.G's exact thresholds.
func isHabituated(d Distribution) bool {
	if d.Count == 0 {
		return false
	}
	if d.StdDev < 0.05 {
		for _, c := range d.BucketCounts {
			if float64(c)/float64(d.Count) > 0.70 {
				return true
			}
		}
	}
	return d.Mean > 0.85 && d.Min > 0.75
}

func recommendations(gap float64, habituated bool, accuracy float64) []Recommendation {
	var recs []Recommendation
	if gap > 0.15 {
		recs = append(recs, Recommendation{Severity: "warning", Message: "confidence and outcomes diverge by more than 0.15; confidence estimates may be miscalibrated"})
	} else if gap > 0.05 {
		recs = append(recs, Recommendation{Severity: "info", Message: "mild calibration gap detected"})
	}
	if habituated {
		recs = append(recs, Recommendation{Severity: "warning", Message: "confidence values have clustered into a narrow, high band; consider revisiting confidence estimation habits"})
	}
	if accuracy < 0.5 {
		recs = append(recs, Recommendation{Severity: "warning", Message: "fewer than half of reviewed decisions succeeded"})
	}
	return recs
}

// Tendency classifies an agent/category's calibration bias, per §4.H.
type Tendency string

const (
	TendencyOverconfident    Tendency = "overconfident"
	TendencyUnderconfident   Tendency = "underconfident"
	TendencyWellCalibrated   Tendency = "well_calibrated"
	TendencyInsufficientData Tendency = "insufficient_data"
)

// Context is the condensed calibration summary preAction/getSessionContext
// attach to a category, per §4.H step 3.
type Context struct {
	Category string   `json:"category"`
	Brier    *float64 `json:"brier,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Tendency Tendency `json:"tendency"`
}

// CategoryContext computes the recent-window calibration tendency for one
// category, per §4.H step 3.
func (s *Service) CategoryContext(ctx context.Context, category string) (Context, error) {
	cat := category
	since := time.Now().Add(-defaultRecentWindow)
	report, err := s.GetCalibration(ctx, model.DecisionFilters{Category: &cat, DateRange: &model.TimeRange{After: &since}})
	if err != nil {
		return Context{}, err
	}
	out := Context{Category: category, Brier: report.Brier, Accuracy: report.Accuracy}
	if report.InsufficientData {
		out.Tendency = TendencyInsufficientData
		return out, nil
	}
	gap := *report.CalibrationGap
	meanConfidence := report.Distribution.Mean
	meanOutcome := *report.Accuracy
	switch {
	case gap <= 0.05:
		out.Tendency = TendencyWellCalibrated
	case meanConfidence > meanOutcome:
		out.Tendency = TendencyOverconfident
	default:
		out.Tendency = TendencyUnderconfident
	}
	return out, nil
}

// Alert is one drift signal from checkDrift, per §4.G.
type Alert struct {
	Type     string  `json:"type"` // brier_degradation | accuracy_drop
	Severity string  `json:"severity"`
	Recent   float64 `json:"recent"`
	Historical float64 `json:"historical"`
	Delta    float64 `json:"delta"`
}

// DriftReport is checkDrift's output.
type DriftReport struct {
	DriftDetected bool    `json:"drift_detected"`
	Alerts        []Alert `json:"alerts,omitempty"`
	RecentCount   int     `json:"recent_count"`
	HistoricalCount int   `json:"historical_count"`
	Note          string  `json:"note,omitempty"`
}

// DriftOptions configures checkDrift's windows and thresholds.
type DriftOptions struct {
	Category         *string
	RecentWindow     time.Duration
	BrierThreshold   float64
	AccuracyThreshold float64
}

// CheckDrift compares a recent window of reviewed decisions to a historical
// baseline that precedes it, per §4.G.
func (s *Service) CheckDrift(ctx context.Context, opts DriftOptions) (DriftReport, error) {
	window := opts.RecentWindow
	if window == 0 {
		window = defaultRecentWindow
	}
	brierThreshold := opts.BrierThreshold
	if brierThreshold == 0 {
		brierThreshold = DefaultBrierThreshold
	}
	accuracyThreshold := opts.AccuracyThreshold
	if accuracyThreshold == 0 {
		accuracyThreshold = DefaultAccuracyThreshold
	}

	cutoff := time.Now().Add(-window)
	baseFilters := model.DecisionFilters{Category: opts.Category}

	recentFilters := baseFilters
	recentFilters.DateRange = &model.TimeRange{After: &cutoff}
	recent, err := s.reviewedDecisions(ctx, recentFilters)
	if err != nil {
		return DriftReport{}, err
	}

	historicalFilters := baseFilters
	historicalFilters.DateRange = &model.TimeRange{Before: &cutoff}
	historical, err := s.reviewedDecisions(ctx, historicalFilters)
	if err != nil {
		return DriftReport{}, err
	}

	if len(recent) < minWindowSample || len(historical) < minWindowSample {
		return DriftReport{
			DriftDetected: false, RecentCount: len(recent), HistoricalCount: len(historical),
			Note: "insufficient data: fewer than 5 reviewed decisions in one of the windows",
		}, nil
	}

	recentReport := scoreReport(recent)
	historicalReport := scoreReport(historical)

	var alerts []Alert
	if historicalReport.Brier != nil && *historicalReport.Brier > 0 {
		degradation := (*recentReport.Brier - *historicalReport.Brier) / *historicalReport.Brier
		if degradation > brierThreshold {
			alerts = append(alerts, Alert{
				Type: "brier_degradation", Severity: severityFor(degradation, 0.50),
				Recent: *recentReport.Brier, Historical: *historicalReport.Brier, Delta: degradation,
			})
		}
	}
	if historicalReport.Accuracy != nil && *historicalReport.Accuracy > 0 {
		drop := (*historicalReport.Accuracy - *recentReport.Accuracy) / *historicalReport.Accuracy
		if drop > accuracyThreshold {
			alerts = append(alerts, Alert{
				Type: "accuracy_drop", Severity: severityFor(drop, 0.50),
				Recent: *recentReport.Accuracy, Historical: *historicalReport.Accuracy, Delta: drop,
			})
		}
	}

	return DriftReport{
		DriftDetected: len(alerts) > 0, Alerts: alerts,
		RecentCount: len(recent), HistoricalCount: len(historical),
	}, nil
}

func severityFor(delta, errorThreshold float64) string {
	if delta < errorThreshold {
		return "warning"
	}
	return "error"
}
