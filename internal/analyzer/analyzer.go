// Package analyzer turns raw execution history into a normalized,
// queryable performance model that drives caching and batching policy.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
)

const (
	// defaultRingSize bounds the retained recent-execution records.
	defaultRingSize = 10000

	// minFrequency is the occurrence floor below which no suggestion is made.
	minFrequency = 10
	// slowThreshold marks a pattern as worth caching.
	slowThreshold = time.Second
	// highFrequency marks a pattern as worth batching.
	highFrequency = 50
	// topPatterns caps how many patterns are considered per suggestion pass.
	topPatterns = 10

	maxSuggestedTTL = 300 * time.Second
)

// Rule is one normalization step: substrings matching Matcher are replaced
// with Replacement. Rules run in order, so earlier rules win.
type Rule struct {
	Matcher     *regexp.Regexp
	Replacement string
}

// DefaultRules normalizes device-specific substrings into placeholders.
func DefaultRules() []Rule {
	return []Rule{
		{regexp.MustCompile(`/data/data/[^/\s]+`), "/data/data/APP"},
		{regexp.MustCompile(`/sdcard/[^/\s]+`), "/sdcard/FILE"},
		{regexp.MustCompile(`\d+\.\d+\.\d+\.\d+`), "IP_ADDRESS"},
		{regexp.MustCompile(`\d{4,}`), "NUMBER"},
		{regexp.MustCompile(`"[^"]*"`), "STRING"},
		{regexp.MustCompile(`'[^']*'`), "STRING"},
	}
}

// Pattern accumulates running statistics for one command signature.
// Statistics are recomputed incrementally; no full history is retained.
// JSON field names are the persistence format's keys.
type Pattern struct {
	Signature        string  `json:"pattern"`
	Frequency        int64   `json:"frequency"`
	AverageExecution float64 `json:"average_execution_time"` // seconds
	SuccessRate      float64 `json:"success_rate"`
	OptimalBatchSize int     `json:"optimal_batch_size"`
	CacheTTL         float64 `json:"cache_ttl"` // seconds
}

// Execution is one bounded-history record.
type Execution struct {
	Signature string
	Duration  time.Duration
	Success   bool
	At        time.Time
	Serial    string
}

// Suggestion recommends a caching or batching policy change.
type Suggestion struct {
	Type               string // "caching" or "batching"
	Pattern            string
	Reason             string
	SuggestedTTL       time.Duration
	SuggestedBatchSize int
}

// Analyzer accumulates patterns. Safe for concurrent use.
type Analyzer struct {
	mu       sync.Mutex
	rules    []Rule
	patterns map[string]*Pattern

	ring  []Execution
	next  int
	count int
}

// New creates an analyzer with the given normalization rules; nil means
// DefaultRules.
func New(rules []Rule) *Analyzer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Analyzer{
		rules:    rules,
		patterns: make(map[string]*Pattern),
		ring:     make([]Execution, defaultRingSize),
	}
}

// Normalize builds the signature for a command: its kind joined with the
// argv after placeholder substitution.
func (a *Analyzer) Normalize(cmd *bridge.Command) string {
	s := strings.Join(cmd.Args, " ")
	for _, r := range a.rules {
		s = r.Matcher.ReplaceAllString(s, r.Replacement)
	}
	kind := cmd.Kind
	if kind == "" {
		kind = bridge.KindShell
	}
	return string(kind) + ":" + s
}

// Record folds one completed command into the matching pattern's running
// statistics and the bounded recent-execution ring.
func (a *Analyzer) Record(cmd *bridge.Command, res *bridge.Result) {
	sig := a.Normalize(cmd)

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.patterns[sig]
	if !ok {
		p = &Pattern{Signature: sig, SuccessRate: 1.0, OptimalBatchSize: 1}
		a.patterns[sig] = p
	}

	p.Frequency++
	n := float64(p.Frequency)

	outcome := 0.0
	if res.Success {
		outcome = 1.0
	}
	p.SuccessRate = (p.SuccessRate*(n-1) + outcome) / n
	p.AverageExecution = (p.AverageExecution*(n-1) + res.Duration.Seconds()) / n

	a.ring[a.next] = Execution{
		Signature: sig,
		Duration:  res.Duration,
		Success:   res.Success,
		At:        time.Now(),
		Serial:    cmd.Serial,
	}
	a.next = (a.next + 1) % len(a.ring)
	if a.count < len(a.ring) {
		a.count++
	}
}

// Suggestions recommends caching for slow frequent patterns and batching for
// very frequent ones, derived from observed statistics.
func (a *Analyzer) Suggestions() []Suggestion {
	a.mu.Lock()
	defer a.mu.Unlock()

	frequent := make([]*Pattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		frequent = append(frequent, p)
	}
	sort.Slice(frequent, func(i, j int) bool {
		if frequent[i].Frequency != frequent[j].Frequency {
			return frequent[i].Frequency > frequent[j].Frequency
		}
		return frequent[i].Signature < frequent[j].Signature
	})
	if len(frequent) > topPatterns {
		frequent = frequent[:topPatterns]
	}

	var out []Suggestion
	for _, p := range frequent {
		if p.Frequency <= minFrequency {
			continue
		}
		avg := time.Duration(p.AverageExecution * float64(time.Second))
		if avg > slowThreshold {
			ttl := avg * 10
			if ttl > maxSuggestedTTL {
				ttl = maxSuggestedTTL
			}
			out = append(out, Suggestion{
				Type:         "caching",
				Pattern:      p.Signature,
				Reason:       fmt.Sprintf("slow command (%.2fs avg)", p.AverageExecution),
				SuggestedTTL: ttl,
			})
		}
		if p.Frequency > highFrequency {
			size := int(p.Frequency / 20)
			if size < 2 {
				size = 2
			}
			if size > 10 {
				size = 10
			}
			out = append(out, Suggestion{
				Type:               "batching",
				Pattern:            p.Signature,
				Reason:             fmt.Sprintf("frequent command (%d executions)", p.Frequency),
				SuggestedBatchSize: size,
			})
		}
	}
	return out
}

// Snapshot returns a copy of all patterns, keyed by signature.
func (a *Analyzer) Snapshot() map[string]Pattern {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]Pattern, len(a.patterns))
	for k, p := range a.patterns {
		out[k] = *p
	}
	return out
}

// Restore replaces matching patterns with persisted ones. Patterns already
// present are overwritten wholesale.
func (a *Analyzer) Restore(patterns map[string]Pattern) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for k, p := range patterns {
		cp := p
		a.patterns[k] = &cp
	}
}

// RecentCount reports how many executions the bounded ring currently holds.
func (a *Analyzer) RecentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
