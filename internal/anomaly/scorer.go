package anomaly

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"logsentinel/internal/correlation"
	"logsentinel/internal/schema"
)

// Prediction labels.
const (
	Normal  = 1
	Outlier = -1
)

var (
	// ErrNotTrained is returned when scoring before Fit.
	ErrNotTrained = errors.New("anomaly: model is not trained")
	// ErrInsufficientData is returned when Fit sees too few rows.
	ErrInsufficientData = errors.New("anomaly: not enough samples")
)

// maxScore caps the contribution of a single column.
const maxScore = 99.0

// Scale factors turning absolute deviations into normal-consistent
// standard deviation estimates.
const (
	madScale    = 1.4826
	meanADScale = 1.2533
)

// Config configures the scorer.
type Config struct {
	// Cutoff is the robust z-score above which a row is an outlier.
	Cutoff float64 `yaml:"cutoff"`
	// MinSamples is the smallest batch Fit accepts.
	MinSamples int `yaml:"min_samples"`
}

// DefaultConfig returns the default scorer configuration.
func DefaultConfig() Config {
	return Config{
		Cutoff:     3.5,
		MinSamples: 5,
	}
}

// Scorer is a robust z-score outlier model. Fit learns per-column median and
// spread from a batch assumed to be mostly normal; Predict labels rows 1 for
// normal and -1 for outliers.
type Scorer struct {
	cfg      Config
	baseline []BaselineStats
}

// NewScorer creates an untrained scorer.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = def.Cutoff
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	return &Scorer{cfg: cfg}
}

// Fit learns the baseline of every feature column.
func (s *Scorer) Fit(rows []Features) error {
	if len(rows) < s.cfg.MinSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(rows), s.cfg.MinSamples)
	}

	columns := make([][]float64, featureCount)
	for _, r := range rows {
		for i, v := range r.Vector() {
			columns[i] = append(columns[i], v)
		}
	}

	baseline := make([]BaselineStats, featureCount)
	for i, col := range columns {
		baseline[i] = ComputeBaseline(col)
	}
	s.baseline = baseline
	return nil
}

// Trained reports whether Fit has succeeded.
func (s *Scorer) Trained() bool {
	return s.baseline != nil
}

// Score returns the largest robust z-score over the row's columns.
func (s *Scorer) Score(row Features) (float64, error) {
	if !s.Trained() {
		return 0, ErrNotTrained
	}

	var worst float64
	for i, v := range row.Vector() {
		b := s.baseline[i]
		dev := math.Abs(v - b.P50)
		if dev == 0 {
			continue
		}

		// More than half the column sits on the median when MAD is zero.
		spread := b.MAD * madScale
		if spread == 0 {
			spread = b.MeanAD * meanADScale
		}

		z := maxScore
		if spread > 0 {
			z = math.Min(dev/spread, maxScore)
		}
		worst = math.Max(worst, z)
	}
	return worst, nil
}

// Predict labels each row Normal or Outlier.
func (s *Scorer) Predict(rows []Features) ([]int, error) {
	if !s.Trained() {
		return nil, ErrNotTrained
	}

	labels := make([]int, len(rows))
	for i, r := range rows {
		score, _ := s.Score(r)
		labels[i] = Normal
		if score > s.cfg.Cutoff {
			labels[i] = Outlier
		}
	}
	return labels, nil
}

// Detector fits a fresh Scorer on every batch and turns outliers into
// alerts. It keeps no state between calls.
type Detector struct {
	Name    string
	Failure schema.EventType
	Config  Config
}

// NewDetector returns a detector named name that counts failure events.
func NewDetector(name string, failure schema.EventType, cfg Config) *Detector {
	return &Detector{Name: name, Failure: failure, Config: cfg}
}

// Detect scores the batch relative to now. Batches too small to fit a
// baseline yield no alerts.
func (d *Detector) Detect(events []schema.Event, now time.Time) ([]correlation.Alert, error) {
	rows := Extract(events, d.Failure, now)

	scorer := NewScorer(d.Config)
	if err := scorer.Fit(rows); err != nil {
		if errors.Is(err, ErrInsufficientData) {
			slog.Debug("skipping anomaly pass", "sources", len(rows), "error", err)
			return nil, nil
		}
		return nil, err
	}

	labels, err := scorer.Predict(rows)
	if err != nil {
		return nil, err
	}

	var alerts []correlation.Alert
	for i, label := range labels {
		if label != Outlier {
			continue
		}
		r := rows[i]
		score, _ := scorer.Score(r)
		detail := fmt.Sprintf("%d events, %d %s (%.0f%% failures)",
			r.Total, r.Failures, d.Failure, r.FailureRatio*100)
		alerts = append(alerts, correlation.NewAnomalyAlert(d.Name, r.SourceID, score, r.Last, detail))
	}
	return alerts, nil
}
