package resolver

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/bearlytools/tern/rpc/errors"
)

// ErrNoAddresses is returned by a Picker given no addresses.
var ErrNoAddresses = errors.New("resolver: no addresses available")

// Picker chooses one address for a call. Implementations are safe for concurrent use.
type Picker interface {
	Pick(addrs []Address) (Address, error)
}

// Picker names accepted by NewPicker.
const (
	RoundRobin = "round_robin"
	PickFirst  = "pick_first"
	Priority   = "priority"
	Weighted   = "weighted"
	Random     = "random"
)

// NewPicker returns a new picker by name. An empty name is RoundRobin.
func NewPicker(name string) (Picker, error) {
	switch name {
	case "", RoundRobin:
		return &RoundRobinPicker{}, nil
	case PickFirst:
		return FirstPicker{}, nil
	case Priority:
		return &PriorityPicker{}, nil
	case Weighted:
		return &WeightedPicker{}, nil
	case Random:
		return RandomPicker{}, nil
	}
	return nil, fmt.Errorf("resolver: unknown picker %q", name)
}

// RoundRobinPicker cycles through the addresses in order.
type RoundRobinPicker struct {
	n atomic.Uint64
}

func (p *RoundRobinPicker) Pick(addrs []Address) (Address, error) {
	if len(addrs) == 0 {
		return Address{}, ErrNoAddresses
	}
	i := (p.n.Add(1) - 1) % uint64(len(addrs))
	return addrs[i], nil
}

// FirstPicker always picks the first address, so traffic only moves when it is
// no longer offered.
type FirstPicker struct{}

func (FirstPicker) Pick(addrs []Address) (Address, error) {
	if len(addrs) == 0 {
		return Address{}, ErrNoAddresses
	}
	return addrs[0], nil
}

// PriorityPicker round-robins over the addresses with the lowest Priority value.
type PriorityPicker struct {
	n atomic.Uint64
}

func (p *PriorityPicker) Pick(addrs []Address) (Address, error) {
	if len(addrs) == 0 {
		return Address{}, ErrNoAddresses
	}

	best := addrs[0].Priority
	for _, a := range addrs[1:] {
		best = min(best, a.Priority)
	}
	candidates := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if a.Priority == best {
			candidates = append(candidates, a)
		}
	}
	i := (p.n.Add(1) - 1) % uint64(len(candidates))
	return candidates[i], nil
}

// WeightedPicker is a weighted round-robin: over a cycle each address is picked
// Weight times.
type WeightedPicker struct {
	n atomic.Uint64
}

func weight(a Address) uint64 {
	if a.Weight == 0 {
		return 1
	}
	return uint64(a.Weight)
}

func (p *WeightedPicker) Pick(addrs []Address) (Address, error) {
	if len(addrs) == 0 {
		return Address{}, ErrNoAddresses
	}

	var total uint64
	for _, a := range addrs {
		total += weight(a)
	}
	pos := (p.n.Add(1) - 1) % total
	for _, a := range addrs {
		if pos < weight(a) {
			return a, nil
		}
		pos -= weight(a)
	}
	return addrs[len(addrs)-1], nil
}

// RandomPicker picks uniformly at random.
type RandomPicker struct{}

func (RandomPicker) Pick(addrs []Address) (Address, error) {
	if len(addrs) == 0 {
		return Address{}, ErrNoAddresses
	}
	return addrs[rand.IntN(len(addrs))], nil
}
