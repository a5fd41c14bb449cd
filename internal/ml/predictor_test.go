package ml

import (
	"context"
	"math"
	"path/filepath"
	"testing"
)

func TestPredictConstantWindowStaysConstant(t *testing.T) {
	p, err := NewPredictorFromModel(SampleModel(60, 6, 12))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	window := make([]float64, 60)
	for i := range window {
		window[i] = 0.4
	}
	out, err := p.Predict(context.Background(), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 12 {
		t.Fatalf("expected 12 steps, got %d", len(out))
	}
	for i, v := range out {
		if math.Abs(v-0.4) > 1e-12 {
			t.Fatalf("step %d = %f, want 0.4", i, v)
		}
	}
}

func TestPredictFeedsBackPredictions(t *testing.T) {
	// y[t] = 2*y[t-1] + 1
	p, err := NewPredictorFromModel(Model{Version: "t", InputLength: 3, Coefficients: []float64{2}, Intercept: 1, FutureSteps: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := p.Predict(context.Background(), []float64{9, 9, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{3, 7, 15}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

func TestPredictRejectsWrongLength(t *testing.T) {
	p, _ := NewPredictorFromModel(SampleModel(60, 6, 12))
	if _, err := p.Predict(context.Background(), make([]float64, 59)); err == nil {
		t.Fatal("expected error for short window")
	}
}

func TestSampleModelRoundTripsThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	if err := CreateSampleModel(path, 60, 6, 12); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := NewPredictor(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FutureSteps() != 12 || p.Version() != "ar-sample-1" {
		t.Fatalf("unexpected model %+v", p.model)
	}

	var sum float64
	for _, c := range p.model.Coefficients {
		sum += c
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("coefficients sum to %f, want 1", sum)
	}
}

func TestInvalidModels(t *testing.T) {
	bad := []Model{
		{InputLength: 0, Coefficients: []float64{1}, FutureSteps: 1},
		{InputLength: 2, Coefficients: nil, FutureSteps: 1},
		{InputLength: 2, Coefficients: []float64{1, 1, 1}, FutureSteps: 1},
		{InputLength: 2, Coefficients: []float64{1}, FutureSteps: 0},
	}
	for i, m := range bad {
		if _, err := NewPredictorFromModel(m); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
