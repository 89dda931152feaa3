package secrets

import (
	"sort"
	"strings"
	"sync"
)

const mask = "***"

// minRedactLen avoids masking short values such as "1" that would shred output.
const minRedactLen = 4

// Redactor masks known secret values. It satisfies logx.Redactor.
type Redactor struct {
	mu       sync.RWMutex
	values   []string
	replacer *strings.Replacer
}

func NewRedactor() *Redactor { return &Redactor{} }

// Add registers values to mask. Longer values are replaced first so a secret
// containing another secret is masked whole.
func (r *Redactor) Add(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.values))
	for _, v := range r.values {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if len(v) < minRedactLen {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		r.values = append(r.values, v)
	}
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	pairs := make([]string, 0, 2*len(r.values))
	for _, v := range r.values {
		pairs = append(pairs, v, mask)
	}
	r.replacer = strings.NewReplacer(pairs...)
}

// Longest is the byte length of the longest registered value, 0 when none.
func (r *Redactor) Longest() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.values) == 0 {
		return 0
	}
	return len(r.values[0])
}

func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	r.mu.RLock()
	rep := r.replacer
	r.mu.RUnlock()
	if rep == nil {
		return s
	}
	return rep.Replace(s)
}
