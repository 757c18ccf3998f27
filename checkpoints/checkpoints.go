// Package checkpoints persists serialized controller states, either as numbered files in a
// directory or in a redis list, keeping only the most recent ones.
//
// Typical use with a directory:
//
//	handler, err := checkpoints.Build(dir).Keep(3).Done()
//	...
//	err = handler.Save(ctx, step, blob)
//	...
//	blob, found, err := handler.Latest(ctx)
package checkpoints

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/util"
)

// Store saves checkpoint blobs and returns the most recent one.
type Store interface {
	Save(ctx context.Context, step int64, blob []byte) error
	Latest(ctx context.Context) ([]byte, bool, error)
}

// Config for building a Handler. Call Done once configured.
type Config struct {
	dir  string
	keep int
	err  error
}

// Build a configuration for a Handler storing checkpoints under dir.
func Build(dir string) *Config {
	c := &Config{dir: dir, keep: 1}
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.err = errors.Wrapf(err, "failed to os.Stat(%q)", dir)
		return c
	}
	if err == nil && !fi.IsDir() {
		c.err = errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir)
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates the directory if needed and returns the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("directory for checkpoints not configured or empty")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", c.dir)
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.count = maxCountFromCheckpoints(list) + 1
	return h, nil
}

// Handler saves checkpoints as JSON files in a directory.
type Handler struct {
	config *Config
	count  int
}

var _ Store = &Handler{}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
)

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir where the checkpoints are stored.
func (h *Handler) Dir() string {
	return h.config.dir
}

func (h *Handler) newBaseName(step int64) string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-step-%08d", baseNamePrefix, h.count, now, step)
}

// ListCheckpoints returns the base names of the saved checkpoints, oldest first.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	checkpoints := make([]string, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, baseNamePrefix) || !strings.HasSuffix(name, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(name, jsonNameSuffix))
	}
	slices.Sort(checkpoints)
	return checkpoints, nil
}

func maxCountFromCheckpoints(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Save writes blob as the next checkpoint and removes the excess ones.
func (h *Handler) Save(_ context.Context, step int64, blob []byte) error {
	name := filepath.Join(h.config.dir, h.newBaseName(step)+jsonNameSuffix)
	if err := util.WriteFileAtomic(name, blob); err != nil {
		return errors.Wrapf(err, "%s: writing checkpoint", h)
	}
	h.count += 1
	klog.V(1).Infof("%s: saved %s", h, filepath.Base(name))
	return h.keepN()
}

func (h *Handler) keepN() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, base := range list[:len(list)-h.config.keep] {
		file := filepath.Join(h.config.dir, base+jsonNameSuffix)
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, file)
		}
	}
	return nil
}

// Latest returns the contents of the most recent checkpoint.
func (h *Handler) Latest(_ context.Context) ([]byte, bool, error) {
	list, err := h.ListCheckpoints()
	if err != nil || len(list) == 0 {
		return nil, false, err
	}
	file := filepath.Join(h.config.dir, list[len(list)-1]+jsonNameSuffix)
	blob, err := os.ReadFile(file)
	if err != nil {
		return nil, false, errors.Wrapf(err, "%s: reading %s", h, file)
	}
	return blob, true, nil
}
