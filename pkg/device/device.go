// Package device maps machine ordinals to opaque MES device codes and back.
package device

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Registry holds the process-wide machine mapping. It is built once from
// configuration and injected where needed; the config watcher may replace
// the mapping at runtime via Swap.
type Registry struct {
	mu        sync.RWMutex
	byOrdinal map[int]string
	byCode    map[string]int
	tonnage   map[int]string
	ordinals  []int
}

// NewRegistry builds a registry from an ordinal→code map and an optional
// ordinal→tonnage display map.
func NewRegistry(codes map[int]string, tonnage map[int]string) (*Registry, error) {
	r := &Registry{}
	if err := r.Swap(codes, tonnage); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap atomically replaces the mapping. The old mapping stays in place when
// validation fails.
func (r *Registry) Swap(codes map[int]string, tonnage map[int]string) error {
	if len(codes) == 0 {
		return fmt.Errorf("device registry requires at least one device")
	}

	byOrdinal := make(map[int]string, len(codes))
	byCode := make(map[string]int, len(codes))
	ordinals := make([]int, 0, len(codes))
	for ordinal, code := range codes {
		if ordinal <= 0 {
			return fmt.Errorf("machine ordinal must be positive, got %d", ordinal)
		}
		if code == "" {
			return fmt.Errorf("empty device code for machine %d", ordinal)
		}
		if prev, dup := byCode[code]; dup {
			return fmt.Errorf("device code %q mapped to both machine %d and %d", code, prev, ordinal)
		}
		byOrdinal[ordinal] = code
		byCode[code] = ordinal
		ordinals = append(ordinals, ordinal)
	}
	sort.Ints(ordinals)

	ton := make(map[int]string, len(tonnage))
	for ordinal, label := range tonnage {
		ton[ordinal] = label
	}

	r.mu.Lock()
	r.byOrdinal = byOrdinal
	r.byCode = byCode
	r.tonnage = ton
	r.ordinals = ordinals
	r.mu.Unlock()
	return nil
}

// Ordinals returns the configured machine ordinals, ascending.
func (r *Registry) Ordinals() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, len(r.ordinals))
	copy(out, r.ordinals)
	return out
}

// Codes returns all device codes ordered by machine ordinal.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ordinals))
	for _, ordinal := range r.ordinals {
		out = append(out, r.byOrdinal[ordinal])
	}
	return out
}

// Code returns the MES device code for a machine ordinal.
func (r *Registry) Code(ordinal int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.byOrdinal[ordinal]
	return code, ok
}

// Ordinal resolves a device code back to its machine ordinal. Codes not in
// the registry fall back to the trailing integer of the code, so historical
// rows for retired machines still resolve.
func (r *Registry) Ordinal(code string) (int, bool) {
	r.mu.RLock()
	ordinal, ok := r.byCode[code]
	r.mu.RUnlock()
	if ok {
		return ordinal, true
	}
	return TrailingOrdinal(code)
}

// MachineName renders the display label for a device code, e.g. "1호기".
// Unresolvable codes are returned as-is.
func (r *Registry) MachineName(code string) string {
	ordinal, ok := r.Ordinal(code)
	if !ok {
		return code
	}
	return fmt.Sprintf("%d호기", ordinal)
}

// Tonnage returns the display tonnage for a machine. Unconfigured ordinals
// default to "{ordinal*50}T".
func (r *Registry) Tonnage(ordinal int) string {
	r.mu.RLock()
	label, ok := r.tonnage[ordinal]
	r.mu.RUnlock()
	if ok {
		return label
	}
	return fmt.Sprintf("%dT", ordinal*50)
}

// TrailingOrdinal extracts the trailing integer of a device code,
// e.g. "1050T-16" → 16.
func TrailingOrdinal(code string) (int, bool) {
	trimmed := strings.TrimSpace(code)
	i := len(trimmed)
	for i > 0 {
		c := trimmed[i-1]
		if c < '0' || c > '9' {
			break
		}
		i--
	}
	if i == len(trimmed) {
		return 0, false
	}
	ordinal, err := strconv.Atoi(trimmed[i:])
	if err != nil {
		return 0, false
	}
	return ordinal, true
}
