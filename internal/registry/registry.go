// Package registry holds pool metadata loaded from a YAML file.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
)

// ErrEmptyRegistry is returned when a registry file declares no pools.
var ErrEmptyRegistry = errors.New("registry declares no pools")

type file struct {
	Pools map[model.PoolName]model.PoolInfo `yaml:"pools"`
}

// Static is an immutable, in-memory pool registry. It is safe for concurrent use.
type Static struct {
	pools     map[model.PoolName]model.PoolInfo
	names     []model.PoolName
	investors map[model.InvestorID]model.PoolName
}

// New builds a registry from pool metadata. Every pool needs a name and an investor id, and an
// investor id may belong to one pool only.
func New(pools []model.PoolInfo) (*Static, error) {
	if len(pools) == 0 {
		return nil, ErrEmptyRegistry
	}

	s := &Static{
		pools:     make(map[model.PoolName]model.PoolInfo, len(pools)),
		names:     make([]model.PoolName, 0, len(pools)),
		investors: make(map[model.InvestorID]model.PoolName, len(pools)),
	}
	for _, p := range pools {
		if p.Name == "" {
			return nil, errors.New("pool without a name")
		}
		if p.InvestorID == "" {
			return nil, fmt.Errorf("pool %s: missing investor_id", p.Name)
		}
		if _, dup := s.pools[p.Name]; dup {
			return nil, fmt.Errorf("pool %s declared twice", p.Name)
		}
		if other, dup := s.investors[p.InvestorID]; dup {
			return nil, fmt.Errorf("pool %s: investor %s already belongs to %s", p.Name, p.InvestorID, other)
		}
		s.pools[p.Name] = p
		s.names = append(s.names, p.Name)
		s.investors[p.InvestorID] = p.Name
	}
	sort.Slice(s.names, func(i, j int) bool { return s.names[i] < s.names[j] })
	return s, nil
}

// Parse builds a registry from YAML of the form
//
//	pools:
//	  ALPHA-SUI:
//	    investor_id: "0x..."
//	    auto_compounding_event_type: "0x...::alphafi_pool::AutoCompoundingEvent"
func Parse(data []byte) (*Static, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing registry: %w", err)
	}

	pools := make([]model.PoolInfo, 0, len(f.Pools))
	for name, info := range f.Pools {
		info.Name = name
		pools = append(pools, info)
	}
	return New(pools)
}

// Load reads and parses the registry file at path.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading registry %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"path":  path,
		"pools": len(s.names),
	}).Info("Loaded pool registry")
	return s, nil
}

// Pool returns the metadata of name.
func (s *Static) Pool(name model.PoolName) (model.PoolInfo, bool) {
	info, ok := s.pools[name]
	return info, ok
}

// PoolNames returns every registered pool, sorted.
func (s *Static) PoolNames() []model.PoolName {
	return append([]model.PoolName(nil), s.names...)
}

// InvestorPoolMap returns a copy of the investor to pool mapping.
func (s *Static) InvestorPoolMap(ctx context.Context) (map[model.InvestorID]model.PoolName, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[model.InvestorID]model.PoolName, len(s.investors))
	for id, name := range s.investors {
		out[id] = name
	}
	return out, nil
}
