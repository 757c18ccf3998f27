package community

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Reconcile maps each of communities to a value. Communities whose membership is unchanged keep
// the value they had in old; every other community gets create(c). The old map is left untouched.
// Retired lists, sorted, the keys of old that are no longer in use.
func Reconcile[T any](old map[string]T, communities []Community, create func(Community) (T, error)) (map[string]T, []string, error) {
	next := make(map[string]T, len(communities))
	for _, c := range communities {
		key := c.Key()
		if _, dup := next[key]; dup {
			return nil, nil, errors.Errorf("community %s appears twice", key)
		}
		if v, ok := old[key]; ok {
			next[key] = v
			continue
		}
		v, err := create(c)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "creating value for community %s", key)
		}
		next[key] = v
	}
	retired := make([]string, 0)
	for key := range old {
		if _, ok := next[key]; !ok {
			retired = append(retired, key)
		}
	}
	slices.Sort(retired)
	return next, retired, nil
}
