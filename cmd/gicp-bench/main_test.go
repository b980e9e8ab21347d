package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/gicp/internal/config"
	"github.com/banshee-data/gicp/internal/monitoring"
	"github.com/banshee-data/gicp/internal/registration/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBench_RecoversPerturbation(t *testing.T) {
	cfg := Config{Seed: 7, MaxDeg: 2, MaxTrans: 0.2, Noise: 0.005, Label: "test"}
	result, err := runBench(context.Background(), cfg, config.DefaultRegistrationConfig())
	require.NoError(t, err)

	assert.Less(t, result.RotationErrDeg, 0.5)
	assert.Less(t, result.TranslationErrM, 0.05)
	assert.Less(t, result.FinalRMSE, result.InitialRMSE)
	assert.NotEmpty(t, result.history)

	dir := t.TempDir()
	id, err := recordRun(filepath.Join(dir, "bench.db"), config.DefaultRegistrationConfig(), result)
	require.NoError(t, err)

	db, err := sqlite.Open(filepath.Join(dir, "bench.db"))
	require.NoError(t, err)
	defer db.Close()
	run, err := sqlite.NewRunStore(db).Get(id)
	require.NoError(t, err)
	assert.Equal(t, "test", run.Label)
	assert.Equal(t, result.Iterations, run.Iterations)

	writeReports(dir, result)
	for _, name := range []string{"convergence.png", "convergence.html"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	require.NoError(t, exportJSON(result, filepath.Join(dir, "r.json")))
}

func TestRunBench_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runBench(ctx, Config{Seed: 1, MaxDeg: 1, MaxTrans: 0.1}, config.DefaultRegistrationConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteReports_WarnsThroughLogf(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()

	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	writeReports(t.TempDir(), &BenchResult{Label: "empty"})

	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Warning: failed to write plot")
	assert.Contains(t, lines[1], "Warning: failed to write chart")
}
