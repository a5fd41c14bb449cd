package calibration

import (
	"testing"
	"time"

	"aqi-calibration/internal/models"
)

var t0 = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func raw(sec int) models.Reading {
	return models.Reading{DeviceID: "sensor-001", Time: at(sec), PMRaw: float64(sec)}
}

func ref(sec int) models.ReferenceReading {
	return models.ReferenceReading{DeviceID: "sensor-001", Time: at(sec), PM25Ref: models.Float(float64(sec))}
}

func TestAlignDropsOutsideTolerance(t *testing.T) {
	pairs := Align(
		[]models.Reading{raw(100)},
		[]models.ReferenceReading{ref(50), ref(170)},
		30*time.Second,
	)
	if len(pairs) != 0 {
		t.Fatalf("expected no pairs, got %d", len(pairs))
	}
}

func TestAlignTieBreaksToEarlier(t *testing.T) {
	pairs := Align(
		[]models.Reading{raw(100)},
		[]models.ReferenceReading{ref(110), ref(90)},
		30*time.Second,
	)
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
	if !pairs[0].Ref.Time.Equal(at(90)) {
		t.Fatalf("expected reference at 90s, got %s", pairs[0].Ref.Time.Sub(t0))
	}
}

func TestAlignTieAmongDuplicatesPrefersFirst(t *testing.T) {
	a := ref(90)
	a.DeviceID = "first"
	b := ref(90)
	b.DeviceID = "second"

	pairs := Align([]models.Reading{raw(95)}, []models.ReferenceReading{a, b, ref(200)}, time.Minute)
	if len(pairs) != 1 || pairs[0].Ref.DeviceID != "first" {
		t.Fatalf("expected the first of the duplicate references, got %+v", pairs)
	}
}

func TestAlignNearest(t *testing.T) {
	tests := []struct {
		name   string
		raw    int
		refs   []int
		want   int
		wantOK bool
	}{
		{name: "exact", raw: 100, refs: []int{0, 100, 200}, want: 100, wantOK: true},
		{name: "closer after", raw: 100, refs: []int{80, 105}, want: 105, wantOK: true},
		{name: "closer before", raw: 100, refs: []int{95, 120}, want: 95, wantOK: true},
		{name: "before all", raw: 0, refs: []int{10, 20}, want: 10, wantOK: true},
		{name: "after all", raw: 300, refs: []int{10, 290}, want: 290, wantOK: true},
		{name: "at tolerance edge", raw: 100, refs: []int{130}, want: 130, wantOK: true},
		{name: "just past edge", raw: 100, refs: []int{131}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := make([]models.ReferenceReading, len(tt.refs))
			for i, s := range tt.refs {
				refs[i] = ref(s)
			}
			pairs := Align([]models.Reading{raw(tt.raw)}, refs, 30*time.Second)
			if !tt.wantOK {
				if len(pairs) != 0 {
					t.Fatalf("expected no match, got %+v", pairs)
				}
				return
			}
			if len(pairs) != 1 {
				t.Fatalf("expected one pair, got %d", len(pairs))
			}
			if !pairs[0].Ref.Time.Equal(at(tt.want)) {
				t.Fatalf("matched %s, want %ds", pairs[0].Ref.Time.Sub(t0), tt.want)
			}
		})
	}
}

func TestAlignReusesReferencesAndKeepsOrder(t *testing.T) {
	rawSeries := []models.Reading{raw(30), raw(10), raw(20), raw(500)}
	refSeries := []models.ReferenceReading{ref(15)}

	pairs := Align(rawSeries, refSeries, 30*time.Second)
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(pairs))
	}
	for i, want := range []int{10, 20, 30} {
		if !pairs[i].Time.Equal(at(want)) {
			t.Errorf("pair %d at %s, want %ds", i, pairs[i].Time.Sub(t0), want)
		}
		if !pairs[i].Ref.Time.Equal(at(15)) {
			t.Errorf("pair %d matched %s, want 15s", i, pairs[i].Ref.Time.Sub(t0))
		}
	}

	// Inputs are untouched
	if !rawSeries[0].Time.Equal(at(30)) {
		t.Fatalf("input series was reordered")
	}
}

func TestAlignEmpty(t *testing.T) {
	if pairs := Align(nil, []models.ReferenceReading{ref(0)}, time.Minute); pairs != nil {
		t.Fatalf("expected nil, got %v", pairs)
	}
	if pairs := Align([]models.Reading{raw(0)}, nil, time.Minute); pairs != nil {
		t.Fatalf("expected nil, got %v", pairs)
	}
}

func TestAlignLargeSeries(t *testing.T) {
	// A day of 5-second readings against hourly references
	var rawSeries []models.Reading
	for s := 0; s < 24*3600; s += 5 {
		rawSeries = append(rawSeries, raw(s))
	}
	var refSeries []models.ReferenceReading
	for s := 0; s <= 24*3600; s += 3600 {
		refSeries = append(refSeries, ref(s))
	}

	pairs := Align(rawSeries, refSeries, DefaultTimeTolerance)
	if len(pairs) != len(rawSeries) {
		t.Fatalf("expected every reading paired, got %d of %d", len(pairs), len(rawSeries))
	}
	// 1800s sits exactly between 0 and 3600 and must go to 0
	for _, p := range pairs {
		if p.Raw.Time.Equal(at(1800)) && !p.Ref.Time.Equal(at(0)) {
			t.Fatalf("midpoint matched %s, want 0s", p.Ref.Time.Sub(t0))
		}
	}
}
