package convergence

import (
	"testing"
)

func TestLexicalDetectorScore(t *testing.T) {
	d := NewLexicalDetector()

	tests := []struct {
		name     string
		contents []string
		wantMin  float64
		wantMax  float64
	}{
		{
			name:     "identical contributions",
			contents: []string{"we should ship now", "we should ship now"},
			wantMin:  1.0,
			wantMax:  1.0,
		},
		{
			name:     "identical modulo case and punctuation",
			contents: []string{"Ship it now.", "ship it NOW"},
			wantMin:  1.0,
			wantMax:  1.0,
		},
		{
			name:     "disjoint contributions",
			contents: []string{"absolutely ship today", "never release anything"},
			wantMin:  0.0,
			wantMax:  0.0,
		},
		{
			name:     "partial overlap",
			contents: []string{"ship the release today", "delay the release today"},
			wantMin:  0.3,
			wantMax:  0.9,
		},
		{
			name:     "single contribution",
			contents: []string{"alone"},
			wantMin:  0.0,
			wantMax:  0.0,
		},
		{
			name:     "empty input",
			contents: nil,
			wantMin:  0.0,
			wantMax:  0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Score(tt.contents)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("Score() = %v, want in [%v, %v]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestLexicalDetectorThreeWay(t *testing.T) {
	d := NewLexicalDetector()

	// Two agents agree verbatim, one dissents with disjoint vocabulary.
	// Mean pairwise score: (1 + 0 + 0) / 3.
	got := d.Score([]string{"ship it", "ship it", "delay forever"})
	want := 1.0 / 3.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Score() = %v, want %v", got, want)
	}
}

func TestFixedDetector(t *testing.T) {
	d := &FixedDetector{Value: 0.9}
	if got := d.Score([]string{"anything"}); got != 0.9 {
		t.Errorf("Score() = %v, want 0.9", got)
	}
}
