// Package report renders optimizer convergence histories as PNG plots and
// HTML charts.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/gicp/internal/registration/lsq"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// echartsAssetsHost serves the echarts runtime for rendered pages.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// errorFloor keeps log10 finite for a zero error.
const errorFloor = 1e-300

var errEmptyHistory = errors.New("report: empty history")

func log10Error(v float64) float64 {
	return math.Log10(math.Max(v, errorFloor))
}

// SavePNG writes a plot of log10 error per iteration to path, creating the
// parent directory if needed.
func SavePNG(path, title string, history []lsq.Iteration) error {
	if len(history) == 0 {
		return errEmptyHistory
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "log10 error"

	start := make(plotter.XYs, 0, len(history))
	accepted := make(plotter.XYs, 0, len(history))
	for _, it := range history {
		start = append(start, plotter.XY{X: float64(it.Index), Y: log10Error(it.Error)})
		accepted = append(accepted, plotter.XY{X: float64(it.Index), Y: log10Error(it.Accepted)})
	}

	startLine, err := plotter.NewLine(start)
	if err != nil {
		return fmt.Errorf("failed to build error line: %w", err)
	}
	startLine.Width = vg.Points(1)
	startLine.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(startLine)
	p.Legend.Add("linearised", startLine)

	acceptedLine, err := plotter.NewLine(accepted)
	if err != nil {
		return fmt.Errorf("failed to build accepted line: %w", err)
	}
	acceptedLine.Width = vg.Points(1)
	acceptedLine.Color = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	acceptedLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(acceptedLine)
	p.Legend.Add("after step", acceptedLine)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}

// RenderHTML writes an HTML page with the error and damping curves.
func RenderHTML(w io.Writer, title string, history []lsq.Iteration) error {
	if len(history) == 0 {
		return errEmptyHistory
	}

	x := make([]int, len(history))
	errs := make([]opts.LineData, len(history))
	lambdas := make([]opts.LineData, len(history))
	trials := make([]opts.BarData, len(history))
	for i, it := range history {
		x[i] = it.Index
		errs[i] = opts.LineData{Value: log10Error(it.Accepted)}
		lambdas[i] = opts.LineData{Value: it.Lambda}
		trials[i] = opts.BarData{Value: it.Trials}
	}

	errChart := charts.NewLine()
	errChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "400px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("iterations=%d", len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "log10 error", NameLocation: "middle", NameGap: 40}),
	)
	errChart.SetXAxis(x).AddSeries("error", errs)

	lambdaChart := charts.NewLine()
	lambdaChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "300px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Damping"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "lambda", Type: "log"}),
	)
	lambdaChart.SetXAxis(x).AddSeries("lambda", lambdas)

	trialChart := charts.NewBar()
	trialChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "300px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Damping trials"}),
	)
	trialChart.SetXAxis(x).AddSeries("trials", trials,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)

	page := components.NewPage()
	page.SetPageTitle(title).SetAssetsHost(echartsAssetsHost)
	page.AddCharts(errChart, lambdaChart, trialChart)
	return page.Render(w)
}

// SaveHTML renders RenderHTML into path.
func SaveHTML(path, title string, history []lsq.Iteration) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return RenderHTML(f, title, history)
}
