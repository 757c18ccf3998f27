// Package config holds the architecture document that describes every policy level of the
// controller: the graph network layers, the dueling streams and the training hyperparameters.
//
// The document is YAML, loaded once at construction and kept verbatim so that it can be embedded
// into every checkpoint and used to rebuild an identical controller.
package config

import (
	_ "embed"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultDocument []byte

// Layer types understood by the graph feature extractor.
const (
	LayerGCN     = "gcn"
	LayerEdgeGCN = "egcn"
)

// Partition methods understood by the community partitioner.
const (
	PartitionLouvain          = "louvain"
	PartitionLabelPropagation = "lpa"
)

// Layer is one message passing layer. Its output width is OutFeats*Heads.
type Layer struct {
	Type     string `yaml:"type" json:"type"`
	OutFeats int    `yaml:"out_feats" json:"out_feats"`
	Heads    int    `yaml:"heads" json:"heads"`
}

// Width of the layer output.
func (l Layer) Width() int {
	return l.OutFeats * l.Heads
}

// Network describes a dueling graph network.
type Network struct {
	Layers              []Layer `yaml:"layers" json:"layers"`
	HiddenOutputSize    int     `yaml:"hidden_output_size" json:"hidden_output_size"`
	ValueStreamSize     int     `yaml:"value_stream_size" json:"value_stream_size"`
	AdvantageStreamSize int     `yaml:"advantage_stream_size" json:"advantage_stream_size"`
}

// Equal reports whether two networks have the same structure.
func (n Network) Equal(other Network) bool {
	if len(n.Layers) != len(other.Layers) {
		return false
	}
	for i := range n.Layers {
		if n.Layers[i] != other.Layers[i] {
			return false
		}
	}
	return n.HiddenOutputSize == other.HiddenOutputSize &&
		n.ValueStreamSize == other.ValueStreamSize &&
		n.AdvantageStreamSize == other.AdvantageStreamSize
}

// Training hyperparameters of a learning agent.
type Training struct {
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Gamma        float64 `yaml:"gamma" json:"gamma"`

	EpsilonStart float64 `yaml:"epsilon_start" json:"epsilon_start"`
	EpsilonEnd   float64 `yaml:"epsilon_end" json:"epsilon_end"`
	// EpsilonDecay is the number of decay steps over which epsilon shrinks by a factor e.
	EpsilonDecay float64 `yaml:"epsilon_decay" json:"epsilon_decay"`

	ReplayCapacity     int     `yaml:"replay_capacity" json:"replay_capacity"`
	BatchSize          int     `yaml:"batch_size" json:"batch_size"`
	LearningFrequency  int     `yaml:"learning_frequency" json:"learning_frequency"`
	TargetReplaceSteps int     `yaml:"target_network_weight_replace_steps" json:"target_network_weight_replace_steps"`
	Tau                float64 `yaml:"tau" json:"tau"`
	MaxGradNorm        float64 `yaml:"max_grad_norm" json:"max_grad_norm"`

	// IllegalActionPenalty is only read for community managers.
	IllegalActionPenalty float64 `yaml:"illegal_action_penalty" json:"illegal_action_penalty"`
}

// Level is the configuration of one policy level (substation agents, managers or head manager).
type Level struct {
	Network  Network  `yaml:"network" json:"network"`
	Training Training `yaml:"training" json:"training"`
}

// Partition configures community detection.
type Partition struct {
	Method           string  `yaml:"method" json:"method"`
	Resolution       float64 `yaml:"resolution" json:"resolution"`
	MaxIterations    int     `yaml:"max_iterations" json:"max_iterations"`
	RepartitionEvery int     `yaml:"repartition_every" json:"repartition_every"`
}

// Architecture is the parsed architecture document.
type Architecture struct {
	Agent       Level     `yaml:"agent"`
	Manager     Level     `yaml:"manager"`
	HeadManager Level     `yaml:"head_manager"`
	Partition   Partition `yaml:"partition"`

	source string
	raw    []byte
}

// Load reads and validates the architecture document at path.
func Load(path string) (*Architecture, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open architecture document at %q", path)
	}
	return Parse(doc, path)
}

// Default returns the architecture shipped with the binary.
func Default() *Architecture {
	a, err := Parse(defaultDocument, "default.yaml")
	if err != nil {
		panic(errors.Wrap(err, "embedded architecture is invalid"))
	}
	return a
}

// Parse decodes doc. The source is only used in error messages.
func Parse(doc []byte, source string) (*Architecture, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(doc, &node); err != nil {
		return nil, errors.Wrapf(err, "architecture document %q is malformed", source)
	}
	if len(node.Content) == 0 {
		return nil, errors.Errorf("architecture document %q is empty", source)
	}
	root := node.Content[0]
	for _, section := range []string{"agent", "manager", "head_manager"} {
		if !hasKey(root, section) {
			return nil, errors.Errorf("architecture document %q: missing section %q", source, section)
		}
	}
	a := &Architecture{}
	if err := root.Decode(a); err != nil {
		return nil, errors.Wrapf(err, "architecture document %q is malformed", source)
	}
	a.source = source
	a.raw = append([]byte(nil), doc...)
	a.withDefaults()
	if err := a.validate(); err != nil {
		return nil, errors.Wrapf(err, "architecture document %q", source)
	}
	return a, nil
}

func hasKey(mapping *yaml.Node, key string) bool {
	if mapping.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Raw returns the document exactly as it was read.
func (a *Architecture) Raw() []byte {
	return append([]byte(nil), a.raw...)
}

// Source is the path (or name) the document was read from.
func (a *Architecture) Source() string {
	return a.source
}

func (a *Architecture) withDefaults() {
	for _, l := range []*Level{&a.Agent, &a.Manager, &a.HeadManager} {
		for i := range l.Network.Layers {
			if l.Network.Layers[i].Type == "" {
				l.Network.Layers[i].Type = LayerGCN
			}
			if l.Network.Layers[i].Heads == 0 {
				l.Network.Layers[i].Heads = 1
			}
		}
		t := &l.Training
		if t.LearningFrequency == 0 {
			t.LearningFrequency = 1
		}
		if t.TargetReplaceSteps == 0 {
			t.TargetReplaceSteps = 100
		}
		if t.Tau == 0 {
			t.Tau = 1
		}
		if t.MaxGradNorm == 0 {
			t.MaxGradNorm = 10
		}
		if t.EpsilonDecay == 0 {
			t.EpsilonDecay = 1
		}
	}
	if a.Partition.Method == "" {
		a.Partition.Method = PartitionLouvain
	}
	if a.Partition.Resolution == 0 {
		a.Partition.Resolution = 1
	}
	if a.Partition.MaxIterations == 0 {
		a.Partition.MaxIterations = 100
	}
}

func (a *Architecture) validate() error {
	levels := []struct {
		path  string
		level Level
	}{
		{"agent", a.Agent},
		{"manager", a.Manager},
		{"head_manager", a.HeadManager},
	}
	for _, l := range levels {
		if err := l.level.validate(l.path); err != nil {
			return err
		}
	}
	switch a.Partition.Method {
	case PartitionLouvain, PartitionLabelPropagation:
	default:
		return errors.Errorf("partition.method: unknown method %q", a.Partition.Method)
	}
	if a.Partition.RepartitionEvery < 0 {
		return errors.Errorf("partition.repartition_every: must not be negative, got %d", a.Partition.RepartitionEvery)
	}
	return nil
}

func (l Level) validate(path string) error {
	n := l.Network
	for i, layer := range n.Layers {
		switch layer.Type {
		case LayerGCN, LayerEdgeGCN:
		default:
			return errors.Errorf("%s.network.layers[%d].type: unknown layer type %q", path, i, layer.Type)
		}
		if layer.OutFeats <= 0 || layer.Heads <= 0 {
			return errors.Errorf("%s.network.layers[%d]: out_feats and heads must be positive", path, i)
		}
	}
	if n.HiddenOutputSize <= 0 {
		return errors.Errorf("%s.network.hidden_output_size: must be positive", path)
	}
	if n.ValueStreamSize <= 0 {
		return errors.Errorf("%s.network.value_stream_size: must be positive", path)
	}
	if n.AdvantageStreamSize <= 0 {
		return errors.Errorf("%s.network.advantage_stream_size: must be positive", path)
	}
	t := l.Training
	if t.LearningRate <= 0 {
		return errors.Errorf("%s.training.learning_rate: must be positive", path)
	}
	if t.Gamma < 0 || t.Gamma > 1 {
		return errors.Errorf("%s.training.gamma: must be in [0, 1], got %v", path, t.Gamma)
	}
	if t.EpsilonEnd < 0 || t.EpsilonStart > 1 || t.EpsilonEnd > t.EpsilonStart {
		return errors.Errorf("%s.training: epsilon must satisfy 0 <= epsilon_end <= epsilon_start <= 1", path)
	}
	if t.EpsilonDecay <= 0 {
		return errors.Errorf("%s.training.epsilon_decay: must be positive", path)
	}
	if t.BatchSize <= 0 {
		return errors.Errorf("%s.training.batch_size: must be positive", path)
	}
	if t.ReplayCapacity < t.BatchSize {
		return errors.Errorf("%s.training.replay_capacity: must be at least batch_size (%d)", path, t.BatchSize)
	}
	if t.LearningFrequency <= 0 || t.TargetReplaceSteps <= 0 {
		return errors.Errorf("%s.training: learning_frequency and target_network_weight_replace_steps must be positive", path)
	}
	if t.Tau <= 0 || t.Tau > 1 {
		return errors.Errorf("%s.training.tau: must be in (0, 1], got %v", path, t.Tau)
	}
	return nil
}
