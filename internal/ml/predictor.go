package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Model is an autoregressive linear model over a normalized PM window
type Model struct {
	Version      string    `json:"version"`
	InputLength  int       `json:"input_length"`
	Coefficients []float64 `json:"coefficients"` // oldest lag first
	Intercept    float64   `json:"intercept"`
	FutureSteps  int       `json:"future_steps"`
}

// Predictor runs a Model loaded from disk
type Predictor struct {
	model *Model
}

// NewPredictor creates a new predictor by loading the model from file
func NewPredictor(modelPath string, logger *zap.SugaredLogger) (*Predictor, error) {
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var model Model
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if err := model.validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", modelPath, err)
	}

	if logger != nil {
		logger.Infof("Loaded forecast model %s from %s (input=%d, lags=%d, steps=%d)",
			model.Version, modelPath, model.InputLength, len(model.Coefficients), model.FutureSteps)
	}

	return &Predictor{model: &model}, nil
}

// NewPredictorFromModel wraps an in-memory model
func NewPredictorFromModel(model Model) (*Predictor, error) {
	if err := model.validate(); err != nil {
		return nil, err
	}
	return &Predictor{model: &model}, nil
}

func (m *Model) validate() error {
	if m.InputLength <= 0 {
		return fmt.Errorf("input_length must be positive")
	}
	if len(m.Coefficients) == 0 || len(m.Coefficients) > m.InputLength {
		return fmt.Errorf("need 1..%d coefficients, have %d", m.InputLength, len(m.Coefficients))
	}
	if m.FutureSteps <= 0 {
		return fmt.Errorf("future_steps must be positive")
	}
	return nil
}

// Predict rolls the model forward FutureSteps times, feeding each prediction
// back in as the newest lag
func (p *Predictor) Predict(ctx context.Context, window []float64) ([]float64, error) {
	if len(window) != p.model.InputLength {
		return nil, fmt.Errorf("expected window of %d values, got %d", p.model.InputLength, len(window))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lags := len(p.model.Coefficients)
	history := make([]float64, lags, lags+p.model.FutureSteps)
	copy(history, window[len(window)-lags:])

	out := make([]float64, p.model.FutureSteps)
	for step := range out {
		recent := history[len(history)-lags:]
		score := p.model.Intercept
		for i, coef := range p.model.Coefficients {
			score += coef * recent[i]
		}
		out[step] = score
		history = append(history, score)
	}
	return out, nil
}

// FutureSteps returns the prediction horizon
func (p *Predictor) FutureSteps() int {
	return p.model.FutureSteps
}

// InputLength returns the window length the model was trained on
func (p *Predictor) InputLength() int {
	return p.model.InputLength
}

// Version returns the model version string
func (p *Predictor) Version() string {
	return p.model.Version
}

// SampleModel returns a smoothing model whose lag weights decay toward the
// past and sum to one
func SampleModel(inputLength, lags, futureSteps int) Model {
	coefs := make([]float64, lags)
	var total float64
	for i := range coefs {
		coefs[i] = float64(i + 1)
		total += coefs[i]
	}
	for i := range coefs {
		coefs[i] /= total
	}
	return Model{
		Version:      "ar-sample-1",
		InputLength:  inputLength,
		Coefficients: coefs,
		Intercept:    0,
		FutureSteps:  futureSteps,
	}
}

// CreateSampleModel writes SampleModel to path, for use when no model file exists
func CreateSampleModel(path string, inputLength, lags, futureSteps int) error {
	data, err := json.MarshalIndent(SampleModel(inputLength, lags, futureSteps), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	return nil
}
