package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/chatflow/internal/intent"
)

type recordingSetter struct {
	mu    sync.Mutex
	calls []intent.Rules
}

func (r *recordingSetter) SetRules(rules intent.Rules) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rules)
}

func (r *recordingSetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingSetter) last() intent.Rules {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

const validRouting = `
research_terms: [report, dossier]
simple_terms: [hello, joke]
`

func TestLoadRulesKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routing.yaml", validRouting)

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"report", "dossier"}, rules.ResearchTerms)
	assert.Equal(t, []string{"hello", "joke"}, rules.SimpleTerms)
	assert.Equal(t, intent.DefaultRules().MatchedConfidence, rules.MatchedConfidence)
	assert.Equal(t, intent.DefaultRules().LongMessageWords, rules.LongMessageWords)
}

func TestLoadRulesRejectsEmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routing.yaml", "  \n")
	_, err := LoadRules(path)
	assert.Error(t, err)
}

func TestLoadRulesRejectsOverlap(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routing.yaml", "research_terms: [chat]\nsimple_terms: [Chat]\n")
	_, err := LoadRules(path)
	assert.Error(t, err)
}

func TestRoutingWatcherAppliesOnStart(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routing.yaml", validRouting)
	target := &recordingSetter{}

	w := NewRoutingWatcher(path, target, 20*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, w.Start())
	defer w.Stop()

	require.Equal(t, 1, target.count())
	assert.Contains(t, target.last().ResearchTerms, "dossier")
}

func TestRoutingWatcherMissingFileKeepsBuiltins(t *testing.T) {
	dir := t.TempDir()
	target := &recordingSetter{}

	w := NewRoutingWatcher(filepath.Join(dir, "routing.yaml"), target, 20*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, w.Start())
	defer w.Stop()
	assert.Equal(t, 0, target.count())

	writeFile(t, dir, "routing.yaml", validRouting)
	require.Eventually(t, func() bool { return target.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestRoutingWatcherReloadsAndRejects(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "routing.yaml", validRouting)
	target := &recordingSetter{}

	w := NewRoutingWatcher(path, target, 100*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, w.Start())
	defer w.Stop()
	require.Equal(t, 1, target.count())

	// Empty keyword set: rejected, nothing applied.
	require.NoError(t, os.WriteFile(path, []byte("research_terms: []\nsimple_terms: [hi]\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, target.count())

	require.NoError(t, os.WriteFile(path, []byte("research_terms: [whitepaper]\nsimple_terms: [hi]\n"), 0o644))
	require.Eventually(t, func() bool {
		return target.count() >= 2 && target.last().ResearchTerms[0] == "whitepaper"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRoutingWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "routing.yaml", validRouting)
	target := &recordingSetter{}

	w := NewRoutingWatcher(path, target, 20*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, dir, "other.yaml", validRouting)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, target.count())
}

func TestRoutingWatcherStopIsIdempotent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routing.yaml", validRouting)
	w := NewRoutingWatcher(path, &recordingSetter{}, 0, nil)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}
