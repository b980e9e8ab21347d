package report

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/gicp/internal/registration/lsq"
)

func sampleHistory() []lsq.Iteration {
	return []lsq.Iteration{
		{Index: 0, Error: 12.5, Accepted: 0.8, Lambda: 1e-6, Trials: 1, Matched: 100},
		{Index: 1, Error: 0.8, Accepted: 1e-4, Lambda: 3e-7, Trials: 2, Matched: 100},
		{Index: 2, Error: 1e-4, Accepted: 0, Lambda: 1e-7, Trials: 1, Matched: 100},
	}
}

func TestSavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots", "convergence.png")
	if err := SavePNG(path, "test run", sampleHistory()); err != nil {
		t.Fatalf("SavePNG: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Error("empty PNG")
	}
}

func TestRenderHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderHTML(&buf, "test run", sampleHistory()); err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"<html", "test run", "Damping"} {
		if !strings.Contains(out, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
}

func TestSaveHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convergence.html")
	if err := SaveHTML(path, "run", sampleHistory()); err != nil {
		t.Fatalf("SaveHTML: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

func TestEmptyHistory(t *testing.T) {
	if err := SavePNG(filepath.Join(t.TempDir(), "x.png"), "", nil); err == nil {
		t.Error("SavePNG: expected error for empty history")
	}
	var buf bytes.Buffer
	if err := RenderHTML(&buf, "", nil); err == nil {
		t.Error("RenderHTML: expected error for empty history")
	}
}

func TestLog10ErrorFloor(t *testing.T) {
	if got := log10Error(0); math.Abs(got+300) > 1e-9 {
		t.Errorf("log10Error(0) = %g, want -300", got)
	}
	if got := log10Error(100); math.Abs(got-2) > 1e-12 {
		t.Errorf("log10Error(100) = %g, want 2", got)
	}
}
