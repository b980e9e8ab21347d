package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/gicp/internal/registration"
	"github.com/banshee-data/gicp/internal/registration/lsq"
	"github.com/banshee-data/gicp/internal/registration/nnsearch"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultsFileMatchesDefaultRegistrationConfig(t *testing.T) {
	fromFile := MustLoadDefaultConfig()
	builtin := DefaultRegistrationConfig()

	if got, want := fromFile.LSQSettings(), builtin.LSQSettings(); got != want {
		t.Errorf("LSQSettings from file = %+v, want %+v", got, want)
	}
	if got, want := fromFile.GetKCorrespondences(), builtin.GetKCorrespondences(); got != want {
		t.Errorf("GetKCorrespondences() = %d, want %d", got, want)
	}
	if got, want := fromFile.GetRegularizationMethod(), builtin.GetRegularizationMethod(); got != want {
		t.Errorf("GetRegularizationMethod() = %v, want %v", got, want)
	}
	if got := fromFile.GetMaxCorrespondenceDistance(); got != math.MaxFloat64 {
		t.Errorf("GetMaxCorrespondenceDistance() = %g, want unbounded", got)
	}
}

func TestEmptyConfigGetters(t *testing.T) {
	cfg := &RegistrationConfig{}

	if got := cfg.GetKCorrespondences(); got != 25 {
		t.Errorf("GetKCorrespondences() = %d, want 25", got)
	}
	if got := cfg.GetNumThreads(); got != 0 {
		t.Errorf("GetNumThreads() = %d, want 0", got)
	}
	if got := cfg.GetRegularizationMethod(); got != registration.RegularizationNormalizedEllipse {
		t.Errorf("GetRegularizationMethod() = %v, want NORMALIZED_ELLIPSE", got)
	}
	if got := cfg.LSQSettings(); got != lsq.DefaultSettings() {
		t.Errorf("LSQSettings() = %+v, want %+v", got, lsq.DefaultSettings())
	}
}

func TestLoadRegistrationConfig(t *testing.T) {
	path := writeConfig(t, "run.json", `{
  "k_correspondences": 12,
  "num_threads": 3,
  "max_correspondence_distance": 1.5,
  "regularization_method": "plane",
  "optimizer": "gn",
  "max_iterations": 20
}`)

	cfg, err := LoadRegistrationConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	e := registration.NewEngine(nnsearch.NewKDTree(), nnsearch.NewKDTree())
	cfg.ApplyTo(e)
	if e.CorrespondenceRandomness() != 12 {
		t.Errorf("CorrespondenceRandomness() = %d, want 12", e.CorrespondenceRandomness())
	}
	if e.NumThreads() != 3 {
		t.Errorf("NumThreads() = %d, want 3", e.NumThreads())
	}
	if e.MaxCorrespondenceDistance() != 1.5 {
		t.Errorf("MaxCorrespondenceDistance() = %g, want 1.5", e.MaxCorrespondenceDistance())
	}
	if e.RegularizationMethod() != registration.RegularizationPlane {
		t.Errorf("RegularizationMethod() = %v, want PLANE", e.RegularizationMethod())
	}

	s := cfg.LSQSettings()
	if s.Method != lsq.GaussNewton || s.MaxIterations != 20 {
		t.Errorf("LSQSettings() = %+v, want gn with 20 iterations", s)
	}
	if s.RotationEpsilon != lsq.DefaultSettings().RotationEpsilon {
		t.Errorf("RotationEpsilon = %g, want default", s.RotationEpsilon)
	}
}

func TestLoadRegistrationConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "cfg.yaml", `{}`, ".json extension"},
		{"bad json", "cfg.json", `{`, "parse config JSON"},
		{"k", "cfg.json", `{"k_correspondences": 0}`, "k_correspondences"},
		{"threads", "cfg.json", `{"num_threads": -1}`, "num_threads"},
		{"distance", "cfg.json", `{"max_correspondence_distance": -2}`, "max_correspondence_distance"},
		{"method", "cfg.json", `{"regularization_method": "SPHERE"}`, "regularization method"},
		{"optimizer", "cfg.json", `{"optimizer": "bfgs"}`, "optimizer"},
		{"iterations", "cfg.json", `{"max_iterations": 0}`, "max_iterations"},
		{"epsilon", "cfg.json", `{"rotation_epsilon": 0}`, "rotation_epsilon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadRegistrationConfig(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadRegistrationConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadRegistrationConfig_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	if err := os.WriteFile(path, make([]byte, 1024*1024+1), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadRegistrationConfig(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("error = %v, want too large", err)
	}
}

func TestValidate_ReportsFirstInvalidFloatInFieldOrder(t *testing.T) {
	cfg := &RegistrationConfig{
		RotationEpsilon:       ptrFloat64(0),
		TransformationEpsilon: ptrFloat64(-1),
		LMInitLambdaFactor:    ptrFloat64(math.NaN()),
	}
	for i := 0; i < 20; i++ {
		err := cfg.Validate()
		if err == nil || !strings.HasPrefix(err.Error(), "rotation_epsilon") {
			t.Fatalf("attempt %d: error = %v, want rotation_epsilon first", i, err)
		}
	}

	cfg.RotationEpsilon = nil
	if err := cfg.Validate(); err == nil || !strings.HasPrefix(err.Error(), "transformation_epsilon") {
		t.Errorf("error = %v, want transformation_epsilon", err)
	}
	cfg.TransformationEpsilon = nil
	if err := cfg.Validate(); err == nil || !strings.HasPrefix(err.Error(), "lm_init_lambda_factor") {
		t.Errorf("error = %v, want lm_init_lambda_factor", err)
	}
}
