// Package options resolves per-image retrieval options from a rule table.
//
// Rules are keyed by transfer syntax UID and by the synthetic keys
// "default", "default-lossy" and "default-final". A stage-qualified key
// "<uid>-<stage>" takes precedence over the bare UID. Lookup order for a
// transfer syntax ts and stage s is:
//
//	<ts>-<s>, <ts>, default-<s>, default
package options

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pithecene-io/wadostream/types"
)

// Synthetic rule keys.
const (
	KeyDefault      = "default"
	KeyDefaultLossy = "default-lossy"
	KeyDefaultFinal = "default-final"
)

// DefaultMinChunkSize is applied when neither the rule nor the table sets one.
const DefaultMinChunkSize = 65536

// Table is a concurrency-safe rule table.
type Table struct {
	mu           sync.RWMutex
	rules        map[string]types.RetrieveOptions
	minChunkSize types.ChunkSize
}

// NewTable creates a table from rules. minChunkSize is the table-wide
// fallback for rules that do not set their own.
func NewTable(rules map[string]types.RetrieveOptions, minChunkSize types.ChunkSize) *Table {
	t := &Table{
		rules:        make(map[string]types.RetrieveOptions, len(rules)),
		minChunkSize: minChunkSize,
	}
	for k, v := range rules {
		t.rules[k] = v
	}
	return t
}

// DefaultTable returns a table with a single streaming default rule.
func DefaultTable() *Table {
	return NewTable(map[string]types.RetrieveOptions{KeyDefault: {}}, types.ChunkSize{})
}

// Set adds or replaces a rule.
func (t *Table) Set(key string, opts types.RetrieveOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[key] = opts
}

// Keys returns the rule keys in sorted order.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.rules))
	for k := range t.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks every rule.
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, k := range t.sortedKeysLocked() {
		opts := t.rules[k]
		if err := opts.Validate(); err != nil {
			return types.NewError(types.ErrorConfiguration, "", fmt.Sprintf("retrieve_options[%s]", k), err)
		}
	}
	return nil
}

func (t *Table) sortedKeysLocked() []string {
	keys := make([]string, 0, len(t.rules))
	for k := range t.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// candidates returns the lookup keys in precedence order.
func candidates(transferSyntax string, stage types.Stage) []string {
	var keys []string
	if transferSyntax != "" {
		if stage != types.StageDefault {
			keys = append(keys, transferSyntax+"-"+string(stage))
		}
		keys = append(keys, transferSyntax)
	}
	if stage != types.StageDefault {
		keys = append(keys, KeyDefault+"-"+string(stage))
	}
	return append(keys, KeyDefault)
}

// Resolve returns a copy of the matching rule and the key it matched.
// The copy carries the effective MinChunkSize. A missing rule is a
// configuration error.
func (t *Table) Resolve(transferSyntax string, stage types.Stage) (types.RetrieveOptions, string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, key := range candidates(transferSyntax, stage) {
		opts, ok := t.rules[key]
		if !ok {
			continue
		}
		return t.finalize(opts), key, nil
	}
	return types.RetrieveOptions{}, "", types.NewError(types.ErrorConfiguration, "",
		fmt.Sprintf("no retrieve options for transfer syntax %q stage %q", transferSyntax, stage), nil)
}

// finalize copies opts so callers cannot mutate table state.
func (t *Table) finalize(opts types.RetrieveOptions) types.RetrieveOptions {
	if opts.URLArguments != nil {
		args := make(map[string]string, len(opts.URLArguments))
		for k, v := range opts.URLArguments {
			args[k] = v
		}
		opts.URLArguments = args
	}
	if opts.Ranges != nil {
		opts.Ranges = append([]types.ByteRange(nil), opts.Ranges...)
	}
	if opts.MinChunkSize.IsZero() {
		opts.MinChunkSize = t.minChunkSize
	}
	if opts.MinChunkSize.IsZero() {
		opts.MinChunkSize = types.FixedChunkSize(DefaultMinChunkSize)
	}
	return opts
}

// ParseChunkSize parses "N" (bytes) or "P%" (percent of the expected
// uncompressed frame size). Percentages fall back to DefaultMinChunkSize
// when the metadata does not describe the frame.
func ParseChunkSize(s string) (types.ChunkSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.ChunkSize{}, nil
	}

	if pct, ok := strings.CutSuffix(s, "%"); ok {
		p, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil || p <= 0 || p > 100 {
			return types.ChunkSize{}, fmt.Errorf("invalid min chunk size %q: percentage must be in (0, 100]", s)
		}
		return types.ChunkSize{Func: percentOfFrame(p)}, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return types.ChunkSize{}, fmt.Errorf("invalid min chunk size %q: %w", s, err)
	}
	if n <= 0 {
		return types.ChunkSize{}, fmt.Errorf("invalid min chunk size %q: must be positive", s)
	}
	return types.FixedChunkSize(n), nil
}

func percentOfFrame(p float64) types.ChunkSizeFunc {
	return func(md types.Metadata, _ string) int {
		frame := md.ExpectedFrameBytes()
		if frame <= 0 {
			return DefaultMinChunkSize
		}
		n := int(float64(frame) * p / 100)
		if n < 1 {
			n = 1
		}
		return n
	}
}
