package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kozaktomas/facepoke/internal/config"
)

func TestBuildParams(t *testing.T) {
	cfg := config.Load()

	tests := []struct {
		name      string
		emotion   string
		overrides []string
		want      map[string]float64
		wantErr   bool
	}{
		{"empty", "", nil, map[string]float64{}, false},
		{"overrides", "", []string{"smile=1", " wink = -2.5 "}, map[string]float64{"smile": 1, "wink": -2.5}, false},
		{"preset plus override", "sad", []string{"rotate_pitch=0"}, map[string]float64{"rotate_pitch": 0, "eyebrow": 5, "aaa": -10}, false},
		{"unknown emotion", "bored", nil, nil, true},
		{"missing value", "", []string{"smile"}, nil, true},
		{"missing name", "", []string{"=1"}, nil, true},
		{"not a number", "", []string{"smile=wide"}, nil, true},
		{"infinite", "", []string{"smile=Inf"}, nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := buildParams(cfg, tc.emotion, tc.overrides)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("expected %s=%v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestOutputPath(t *testing.T) {
	got := outputPath("out", "/photos/me.final.jpg", "webp")
	if want := filepath.Join("out", "me.final_facepoke.webp"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestNewModule(t *testing.T) {
	cfg := config.Load()

	for _, backend := range []string{"", "http", "synthetic"} {
		cfg.Neural.Backend = backend
		if _, err := newModule(cfg); err != nil {
			t.Errorf("backend %q: unexpected error %v", backend, err)
		}
	}

	cfg.Neural.Backend = "tpu"
	if _, err := newModule(cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewApplyProgress(t *testing.T) {
	var buf bytes.Buffer
	bar := newApplyProgress(3, &buf)
	for range 3 {
		bar.Add(1)
	}
	if got := bar.State().CurrentNum; got != 3 {
		t.Errorf("progress = %d, want 3", got)
	}
	if !strings.Contains(buf.String(), "Rendering") {
		t.Errorf("bar output %q lacks description", buf.String())
	}

	hidden := newApplyProgress(2, nil)
	hidden.Add(2)
	if got := hidden.State().CurrentNum; got != 2 {
		t.Errorf("hidden progress = %d, want 2", got)
	}
}
