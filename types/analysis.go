package types

import (
	"os"
	"path"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// SeriesAnalyzer reduces every episode trace to one value
type SeriesAnalyzer struct {
	reduce func(*Trace) float64
	values []float64
}

var _ Analyzer = &SeriesAnalyzer{}

func NewSeriesAnalyzer(reduce func(*Trace) float64) *SeriesAnalyzer {
	return &SeriesAnalyzer{reduce: reduce, values: make([]float64, 0)}
}

// RewardAnalyzer records the total reward of every episode
func RewardAnalyzer() *SeriesAnalyzer {
	return NewSeriesAnalyzer(func(t *Trace) float64 { return t.TotalReward() })
}

// SurvivalAnalyzer records the length of every episode
func SurvivalAnalyzer() *SeriesAnalyzer {
	return NewSeriesAnalyzer(func(t *Trace) float64 { return float64(t.Len()) })
}

// IllegalActionAnalyzer records how many actions of each episode the environment rejected
func IllegalActionAnalyzer() *SeriesAnalyzer {
	return NewSeriesAnalyzer(func(t *Trace) float64 {
		count := 0
		for _, s := range t.Steps {
			if s.Info.Illegal {
				count += 1
			}
		}
		return float64(count)
	})
}

func (a *SeriesAnalyzer) Analyze(_ int, _ int, _ int, _ string, t *Trace) {
	a.values = append(a.values, a.reduce(t))
}

func (a *SeriesAnalyzer) DataSet() DataSet {
	return append([]float64(nil), a.values...)
}

func (a *SeriesAnalyzer) Reset() {
	a.values = make([]float64, 0)
}

// PlotSeries draws one line per series and saves the plot as a png at file
func PlotSeries(file, title, xLabel, yLabel string, names []string, series [][]float64) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	for i := range series {
		points := make(plotter.XYs, len(series[i]))
		for j, v := range series[i] {
			points[j] = plotter.XY{
				X: float64(j),
				Y: v,
			}
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			continue
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(names[i], line)
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, file); err != nil {
		return errors.Wrapf(err, "saving plot %s", file)
	}
	return nil
}

// SeriesComparator plots the datasets of SeriesAnalyzers side by side and logs their means
func SeriesComparator(plotPath, name, yLabel string) Comparator {
	if _, err := os.Stat(plotPath); err != nil {
		os.MkdirAll(plotPath, os.ModePerm)
	}
	return func(run int, _ int, names []string, ds []DataSet) {
		series := make([][]float64, len(ds))
		for i := range ds {
			series[i] = ds[i].([]float64)
			if len(series[i]) > 0 {
				mean, std := stat.MeanStdDev(series[i], nil)
				klog.Infof("%s: %s mean %.3f (std %.3f) over %d episodes", names[i], name, mean, std, len(series[i]))
			}
		}
		file := path.Join(plotPath, strconv.Itoa(run)+"_"+name+".png")
		if err := PlotSeries(file, "Comparison", "Episode", yLabel, names, series); err != nil {
			klog.Errorf("plotting %s: %v", name, err)
		}
	}
}
