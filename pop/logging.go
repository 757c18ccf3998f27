package pop

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/types"
	"github.com/zeu5/gridpop/util"
)

// Record is one training signal of one component at one train step.
type Record struct {
	Component      string   `json:"component"`
	Step           int      `json:"step"`
	Loss           *float64 `json:"loss,omitempty"`
	ImplicitReward *float64 `json:"implicit_reward,omitempty"`
}

// Sink receives the training signals of the controller.
type Sink interface {
	Log(Record)
}

// KlogSink writes records at verbosity V.
type KlogSink struct {
	V klog.Level
}

func (s KlogSink) Log(r Record) {
	if !klog.V(s.V).Enabled() {
		return
	}
	switch {
	case r.Loss != nil && r.ImplicitReward != nil:
		klog.Infof("step %d %s: loss %.5f implicit reward %.4f", r.Step, r.Component, *r.Loss, *r.ImplicitReward)
	case r.Loss != nil:
		klog.Infof("step %d %s: loss %.5f", r.Step, r.Component, *r.Loss)
	case r.ImplicitReward != nil:
		klog.Infof("step %d %s: implicit reward %.4f", r.Step, r.Component, *r.ImplicitReward)
	}
}

// JSONLSink appends every record as one JSON line to a file.
type JSONLSink struct {
	Path string
	mux  sync.Mutex
}

func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{Path: path}
}

func (s *JSONLSink) Log(r Record) {
	bs, err := json.Marshal(r)
	if err != nil {
		klog.Errorf("encoding record of %s: %v", r.Component, err)
		return
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if err := util.AppendToFile(s.Path, string(bs)); err != nil {
		klog.Errorf("recording training signal: %v", err)
	}
}

// Recorder keeps every loss and implicit reward in memory.
type Recorder struct {
	mux     sync.Mutex
	losses  map[string][]float64
	rewards map[string][]float64
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{
		losses:  make(map[string][]float64),
		rewards: make(map[string][]float64),
		records: make([]Record, 0),
	}
}

func (r *Recorder) Log(rec Record) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.records = append(r.records, rec)
	if rec.Loss != nil {
		r.losses[rec.Component] = append(r.losses[rec.Component], *rec.Loss)
	}
	if rec.ImplicitReward != nil {
		r.rewards[rec.Component] = append(r.rewards[rec.Component], *rec.ImplicitReward)
	}
}

// Records logged so far.
func (r *Recorder) Records() []Record {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]Record(nil), r.records...)
}

// Losses of component in logging order.
func (r *Recorder) Losses(component string) []float64 {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]float64(nil), r.losses[component]...)
}

// LastLosses is the most recent loss of every component that reported one.
func (r *Recorder) LastLosses() map[string]float64 {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make(map[string]float64, len(r.losses))
	for c, l := range r.losses {
		out[c] = l[len(l)-1]
	}
	return out
}

func (r *Recorder) components() []string {
	names := make([]string, 0, len(r.losses))
	for c := range r.losses {
		names = append(names, c)
	}
	slices.Sort(names)
	return names
}

// Summarize logs the mean and deviation of the losses of every component.
func (r *Recorder) Summarize() {
	r.mux.Lock()
	defer r.mux.Unlock()
	for _, c := range r.components() {
		mean, std := stat.MeanStdDev(r.losses[c], nil)
		klog.Infof("%s: mean loss %.5f (std %.5f) over %d updates", c, mean, std, len(r.losses[c]))
	}
}

// Plot saves one loss curve per component in dir/losses.png.
func (r *Recorder) Plot(dir string) error {
	r.mux.Lock()
	names := r.components()
	series := make([][]float64, len(names))
	for i, c := range names {
		series[i] = append([]float64(nil), r.losses[c]...)
	}
	r.mux.Unlock()
	return types.PlotSeries(filepath.Join(dir, "losses.png"), "Training loss", "Update", "Loss", names, series)
}

// MultiSink fans records out to every sink.
type MultiSink []Sink

func (m MultiSink) Log(r Record) {
	for _, s := range m {
		s.Log(r)
	}
}
