// Package main runs a registration benchmark on a synthetic scene: it
// perturbs a generated cloud, aligns it back and reports how close the
// recovered transform is to the truth.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/banshee-data/gicp/internal/config"
	"github.com/banshee-data/gicp/internal/monitoring"
	"github.com/banshee-data/gicp/internal/registration"
	"github.com/banshee-data/gicp/internal/registration/lsq"
	"github.com/banshee-data/gicp/internal/registration/nnsearch"
	"github.com/banshee-data/gicp/internal/registration/report"
	"github.com/banshee-data/gicp/internal/registration/scene"
	"github.com/banshee-data/gicp/internal/registration/storage/sqlite"
	"github.com/banshee-data/gicp/internal/version"
)

// Config holds the benchmark options.
type Config struct {
	ConfigPath string
	Seed       uint64
	MaxDeg     float64
	MaxTrans   float64
	Noise      float64
	OutputDir  string
	DBPath     string
	Label      string
	OutputJSON string
	Verbose    bool
	Quiet      bool
	Version    bool
}

// BenchResult summarises one alignment.
type BenchResult struct {
	Label           string                 `json:"label"`
	Seed            uint64                 `json:"seed"`
	Perturbation    string                 `json:"perturbation"`
	SourcePoints    int                    `json:"source_points"`
	TargetPoints    int                    `json:"target_points"`
	Converged       bool                   `json:"converged"`
	Iterations      int                    `json:"iterations"`
	FinalError      float64                `json:"final_error"`
	InitialRMSE     float64                `json:"initial_rmse"`
	FinalRMSE       float64                `json:"final_rmse"`
	RotationErrDeg  float64                `json:"rotation_error_deg"`
	TranslationErrM float64                `json:"translation_error_m"`
	ElapsedMs       float64                `json:"elapsed_ms"`
	Truth           registration.Transform `json:"truth"`
	Estimate        registration.Transform `json:"estimate"`
	RunID           string                 `json:"run_id,omitempty"`

	history []lsq.Iteration
}

func main() {
	cfg := parseFlags()

	if cfg.Version {
		fmt.Printf("gicp-bench %s\n", version.String())
		return
	}

	if cfg.Quiet {
		monitoring.SetLogger(nil)
	}
	if cfg.Verbose {
		monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr, Diag: os.Stderr, Trace: os.Stderr})
	} else {
		monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr})
	}

	regCfg := config.DefaultRegistrationConfig()
	if cfg.ConfigPath != "" {
		loaded, err := config.LoadRegistrationConfig(cfg.ConfigPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		regCfg = loaded
	}
	if err := regCfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := runBench(ctx, cfg, regCfg)
	if err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	if cfg.DBPath != "" {
		id, err := recordRun(cfg.DBPath, regCfg, result)
		if err != nil {
			monitoring.Logf("Warning: failed to record run: %v", err)
		} else {
			result.RunID = id
			monitoring.Logf("Run recorded: %s", id)
		}
	}

	printResults(result)

	if cfg.OutputDir != "" {
		writeReports(cfg.OutputDir, result)
	}

	if cfg.OutputJSON != "" {
		outputPath := cfg.OutputJSON
		if cfg.OutputDir != "" {
			outputPath = filepath.Join(cfg.OutputDir, cfg.OutputJSON)
		}
		if err := exportJSON(result, outputPath); err != nil {
			monitoring.Logf("Warning: failed to export JSON: %v", err)
		} else {
			monitoring.Logf("Results exported to: %s", outputPath)
		}
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.ConfigPath, "config", "", "Path to registration config JSON (defaults built in)")
	flag.Uint64Var(&cfg.Seed, "seed", 1, "Scene and perturbation seed")
	flag.Float64Var(&cfg.MaxDeg, "max-deg", 5, "Maximum perturbation per rotation axis (degrees)")
	flag.Float64Var(&cfg.MaxTrans, "max-trans", 0.5, "Maximum perturbation per translation axis (metres)")
	flag.Float64Var(&cfg.Noise, "noise", 0.01, "Sensor noise standard deviation (metres)")
	flag.StringVar(&cfg.OutputDir, "output", "", "Output directory for convergence plots")
	flag.StringVar(&cfg.DBPath, "db", "", "SQLite database to record the run in")
	flag.StringVar(&cfg.Label, "label", "synthetic", "Run label")
	flag.StringVar(&cfg.OutputJSON, "json", "", "Output JSON filename (e.g., results.json)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable diagnostic and trace logging")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "Suppress progress messages")
	flag.BoolVar(&cfg.Version, "version", false, "Print version and exit")

	flag.Parse()

	return cfg
}

func runBench(ctx context.Context, cfg Config, regCfg *config.RegistrationConfig) (*BenchResult, error) {
	gen := scene.NewGenerator(cfg.Seed)
	gen.Noise = cfg.Noise

	target := gen.Generate()
	// A second draw gives the source independent noise over the same surfaces.
	observed := gen.Generate()
	p := gen.RandomPerturbation(cfg.MaxDeg, cfg.MaxTrans)
	truth := p.Transform()
	// The source is the target seen from the perturbed pose, so aligning it
	// must recover truth.
	source := scene.Apply(observed, truth.Inverse())

	monitoring.Logf("Scene: seed=%d source=%d target=%d perturbation %s", cfg.Seed, source.Len(), target.Len(), p)

	engine := registration.NewEngine(nnsearch.NewKDTree(), nnsearch.NewKDTree())
	regCfg.ApplyTo(engine)
	engine.SetInputSource(source)
	engine.SetInputTarget(target)

	opt := lsq.New(regCfg.LSQSettings())
	aligned := &registration.PointSet{}

	start := time.Now()
	if err := engine.Align(ctx, aligned, registration.IdentityTransform(), opt); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	estimate := engine.FinalTransformation()
	rotErr, transErr := scene.TransformError(estimate, truth)
	history := opt.History()
	var finalError float64
	if len(history) > 0 {
		finalError = history[len(history)-1].Accepted
	}

	return &BenchResult{
		Label:           cfg.Label,
		Seed:            cfg.Seed,
		Perturbation:    p.String(),
		SourcePoints:    source.Len(),
		TargetPoints:    target.Len(),
		Converged:       engine.HasConverged(),
		Iterations:      engine.Iterations(),
		FinalError:      finalError,
		InitialRMSE:     scene.RMSE(source.Points, observed.Points),
		FinalRMSE:       scene.RMSE(aligned.Points, observed.Points),
		RotationErrDeg:  rotErr,
		TranslationErrM: transErr,
		ElapsedMs:       float64(elapsed.Microseconds()) / 1000,
		Truth:           truth,
		Estimate:        estimate,
		history:         history,
	}, nil
}

func recordRun(path string, regCfg *config.RegistrationConfig, r *BenchResult) (string, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return "", err
	}
	defer db.Close()

	if err := sqlite.MigrateUp(db); err != nil {
		return "", err
	}

	cfgJSON, err := json.Marshal(regCfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}

	run := &sqlite.Run{
		Label:            r.Label,
		ConfigJSON:       cfgJSON,
		SourcePoints:     r.SourcePoints,
		TargetPoints:     r.TargetPoints,
		InitialTransform: registration.IdentityTransform(),
		FinalTransform:   r.Estimate,
		FinalError:       r.FinalError,
		Iterations:       r.Iterations,
		Converged:        r.Converged,
		ElapsedNanos:     int64(r.ElapsedMs * 1e6),
	}
	if err := sqlite.NewRunStore(db).Insert(run, r.history); err != nil {
		return "", err
	}
	return run.RunID, nil
}

func writeReports(dir string, r *BenchResult) {
	title := fmt.Sprintf("%s (seed %d)", r.Label, r.Seed)
	pngPath := filepath.Join(dir, "convergence.png")
	if err := report.SavePNG(pngPath, title, r.history); err != nil {
		monitoring.Logf("Warning: failed to write plot: %v", err)
	} else {
		monitoring.Logf("Plot written to: %s", pngPath)
	}
	htmlPath := filepath.Join(dir, "convergence.html")
	if err := report.SaveHTML(htmlPath, title, r.history); err != nil {
		monitoring.Logf("Warning: failed to write chart: %v", err)
	} else {
		monitoring.Logf("Chart written to: %s", htmlPath)
	}
}

func printResults(r *BenchResult) {
	fmt.Println()
	fmt.Println("=== Registration Benchmark ===")
	fmt.Printf("Label:            %s\n", r.Label)
	fmt.Printf("Seed:             %d\n", r.Seed)
	fmt.Printf("Perturbation:     %s\n", r.Perturbation)
	fmt.Printf("Points:           %d source, %d target\n", r.SourcePoints, r.TargetPoints)
	fmt.Printf("Converged:        %t after %d iterations\n", r.Converged, r.Iterations)
	fmt.Printf("Final error:      %.6g\n", r.FinalError)
	fmt.Printf("RMSE:             %.4f m -> %.4f m\n", r.InitialRMSE, r.FinalRMSE)
	fmt.Printf("Rotation error:   %.4f°\n", r.RotationErrDeg)
	fmt.Printf("Translation err:  %.4f m\n", r.TranslationErrM)
	fmt.Printf("Elapsed:          %.2f ms\n", r.ElapsedMs)

	if len(r.history) > 0 {
		fmt.Println()
		fmt.Printf("%-5s %-14s %-14s %-10s %-6s %-8s\n", "Iter", "Error", "Accepted", "Lambda", "Trials", "Matched")
		for _, it := range r.history {
			fmt.Printf("%-5d %-14.6g %-14.6g %-10.3g %-6d %-8d\n",
				it.Index, it.Error, it.Accepted, it.Lambda, it.Trials, it.Matched)
		}
	}
	fmt.Println()
}

func exportJSON(r *BenchResult, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
