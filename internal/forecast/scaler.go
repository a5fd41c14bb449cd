package forecast

import "gonum.org/v1/gonum/floats"

// MinMaxScaler maps values into [0,1] using the range seen by Fit.
// A constant input maps to 0 and inverts back to that constant.
type MinMaxScaler struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// FitScaler builds a scaler from the range of values
func FitScaler(values []float64) MinMaxScaler {
	if len(values) == 0 {
		return MinMaxScaler{}
	}
	return MinMaxScaler{Min: floats.Min(values), Max: floats.Max(values)}
}

// Transform returns scaled copies of values
func (s MinMaxScaler) Transform(values []float64) []float64 {
	out := make([]float64, len(values))
	span := s.Max - s.Min
	for i, v := range values {
		if span == 0 {
			out[i] = 0
			continue
		}
		out[i] = (v - s.Min) / span
	}
	return out
}

// Inverse maps scaled values back to the original range
func (s MinMaxScaler) Inverse(values []float64) []float64 {
	out := make([]float64, len(values))
	span := s.Max - s.Min
	for i, v := range values {
		out[i] = v*span + s.Min
	}
	return out
}
