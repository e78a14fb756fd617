package investigation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cpas-project/orchestrator/internal/storage"
)

type stubModule struct {
	name    string
	payload json.RawMessage
	conf    float64
	err     error
	delay   time.Duration
	panics  bool
}

func (m *stubModule) Name() string { return m.name }

func (m *stubModule) Investigate(ctx context.Context, target string) (json.RawMessage, float64, error) {
	if m.panics {
		panic("module blew up")
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, 0, m.err
	}
	return m.payload, m.conf, nil
}

func testPriors() map[string]float64 {
	return map[string]float64{
		ModuleSocial:    0.8,
		ModuleTechnical: 0.9,
		ModuleBreach:    0.7,
		ModuleMedia:     0.6,
	}
}

func newTestCoordinator(t *testing.T, modules ...Module) *Coordinator {
	c := NewCoordinator(nil, Options{
		DefaultDeadline: 2 * time.Second,
		Priors:          testPriors(),
	}, zaptest.NewLogger(t))
	for _, m := range modules {
		c.RegisterModule(m)
	}
	return c
}

func TestPartialFailureIsCompleted(t *testing.T) {
	c := newTestCoordinator(t,
		&stubModule{name: ModuleSocial, conf: 0.9, payload: json.RawMessage(`{"handle":"target"}`)},
		&stubModule{name: ModuleTechnical, err: errors.New("dns lookup failed")},
		&stubModule{name: ModuleBreach, conf: 0.5},
	)

	inv, err := c.Investigate(context.Background(), "target", TypePerson, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, inv.Status)
	require.Len(t, inv.ModuleResults, 3)
	assert.False(t, inv.ModuleResults[ModuleTechnical].Success)
	assert.Equal(t, "dns lookup failed", inv.ModuleResults[ModuleTechnical].Error)
	assert.ElementsMatch(t, []string{ModuleTechnical}, inv.FailedModules())

	// Failed modules are excluded from the aggregate; the remainder is a
	// prior-weighted average.
	want := (0.9*0.8 + 0.5*0.7) / (0.8 + 0.7)
	assert.InDelta(t, want, inv.AggregateConfidence, 1e-9)
}

func TestAllModulesFailing(t *testing.T) {
	c := newTestCoordinator(t,
		&stubModule{name: ModuleSocial, err: errors.New("down")},
		&stubModule{name: ModuleTechnical, err: errors.New("down")},
		&stubModule{name: ModuleBreach, err: errors.New("down")},
		&stubModule{name: ModuleMedia, err: errors.New("down")},
	)

	inv, err := c.Investigate(context.Background(), "target", TypeComprehensive, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, inv.Status)
	assert.Equal(t, 0.0, inv.AggregateConfidence)
	require.Len(t, inv.ModuleResults, 4)
	for name, res := range inv.ModuleResults {
		assert.False(t, res.Success, "module %s", name)
	}
}

func TestSlowModuleMarkedTimeout(t *testing.T) {
	c := newTestCoordinator(t,
		&stubModule{name: ModuleSocial, conf: 0.9},
		&stubModule{name: ModuleBreach, delay: 5 * time.Second},
		&stubModule{name: ModuleTechnical, conf: 0.8},
	)

	start := time.Now()
	inv, err := c.Investigate(context.Background(), "target", TypePerson, nil, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "deadline must bound the whole fan-out")

	assert.Equal(t, StatusCompleted, inv.Status)
	res := inv.ModuleResults[ModuleBreach]
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Error)

	want := (0.9*0.8 + 0.8*0.9) / (0.8 + 0.9)
	assert.InDelta(t, want, inv.AggregateConfidence, 1e-9)
}

func TestPanickingModuleIsIsolated(t *testing.T) {
	c := newTestCoordinator(t,
		&stubModule{name: ModuleSocial, conf: 0.9},
		&stubModule{name: ModuleTechnical, panics: true},
		&stubModule{name: ModuleBreach, conf: 0.4},
	)

	inv, err := c.Investigate(context.Background(), "target", TypePerson, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inv.Status)
	assert.False(t, inv.ModuleResults[ModuleTechnical].Success)
	assert.Contains(t, inv.ModuleResults[ModuleTechnical].Error, "panic")
}

func TestIdempotentMergeGivenSameOutputs(t *testing.T) {
	build := func() *Coordinator {
		return newTestCoordinator(t,
			&stubModule{name: ModuleSocial, conf: 0.85, payload: json.RawMessage(`{"a":1}`)},
			&stubModule{name: ModuleTechnical, err: errors.New("nope")},
			&stubModule{name: ModuleBreach, conf: 0.6},
		)
	}

	first, err := build().Investigate(context.Background(), "target", TypePerson, nil, 0)
	require.NoError(t, err)
	second, err := build().Investigate(context.Background(), "target", TypePerson, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.AggregateConfidence, second.AggregateConfidence)
	require.Equal(t, len(first.ModuleResults), len(second.ModuleResults))
	for name, a := range first.ModuleResults {
		b := second.ModuleResults[name]
		assert.Equal(t, a.Success, b.Success, name)
		assert.Equal(t, a.Confidence, b.Confidence, name)
		assert.Equal(t, a.Error, b.Error, name)
		assert.Equal(t, string(a.Payload), string(b.Payload), name)
	}
}

func TestTypeSelectsModuleSet(t *testing.T) {
	c := newTestCoordinator(t,
		&stubModule{name: ModuleSocial, conf: 0.9},
		&stubModule{name: ModuleTechnical, conf: 0.9},
		&stubModule{name: ModuleBreach, conf: 0.9},
		&stubModule{name: ModuleMedia, conf: 0.9},
	)

	inv, err := c.Investigate(context.Background(), "example.com", TypeDomain, nil, 0)
	require.NoError(t, err)
	require.Len(t, inv.ModuleResults, 1)
	assert.Contains(t, inv.ModuleResults, ModuleTechnical)

	inv, err = c.Investigate(context.Background(), "someone", TypePerson, nil, 0)
	require.NoError(t, err)
	assert.Len(t, inv.ModuleResults, 3)

	inv, err = c.Investigate(context.Background(), "someone", TypeComprehensive, nil, 0)
	require.NoError(t, err)
	assert.Len(t, inv.ModuleResults, 4)
}

func TestExplicitSubsetOverridesType(t *testing.T) {
	c := newTestCoordinator(t,
		&stubModule{name: ModuleSocial, conf: 0.9},
		&stubModule{name: ModuleTechnical, conf: 0.9},
	)

	inv, err := c.Investigate(context.Background(), "someone", TypePerson, []string{ModuleSocial}, 0)
	require.NoError(t, err)
	require.Len(t, inv.ModuleResults, 1)
	assert.Contains(t, inv.ModuleResults, ModuleSocial)
}

func TestInvalidInputs(t *testing.T) {
	c := newTestCoordinator(t, &stubModule{name: ModuleSocial, conf: 0.9})

	_, err := c.Investigate(context.Background(), "", TypePerson, nil, 0)
	assert.Error(t, err)

	_, err = c.Investigate(context.Background(), "target", Type("galaxy"), nil, 0)
	assert.Error(t, err)

	_, err = c.Investigate(context.Background(), "target", TypePerson, []string{"nonexistent"}, 0)
	assert.Error(t, err)
}

func TestGetFinishedInvestigation(t *testing.T) {
	c := newTestCoordinator(t, &stubModule{name: ModuleSocial, conf: 0.9})

	inv, err := c.Investigate(context.Background(), "target", TypePerson, []string{ModuleSocial}, 0)
	require.NoError(t, err)

	got, err := c.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Equal(t, StatusCompleted, got.Status)

	_, err = c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartIsAsync(t *testing.T) {
	c := newTestCoordinator(t, &stubModule{name: ModuleSocial, conf: 0.9, delay: 50 * time.Millisecond})

	id, err := c.Start("target", TypePerson, []string{ModuleSocial}, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		inv, gerr := c.Get(context.Background(), id)
		return gerr == nil && inv.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinatorStatusCounters(t *testing.T) {
	c := newTestCoordinator(t,
		&stubModule{name: ModuleSocial, conf: 0.9},
		&stubModule{name: ModuleTechnical, err: errors.New("down")},
	)

	_, err := c.Investigate(context.Background(), "a", TypeDomain, nil, 0)
	require.NoError(t, err)
	_, err = c.Investigate(context.Background(), "b", TypePerson, []string{ModuleSocial}, 0)
	require.NoError(t, err)

	status := c.Status()
	assert.Equal(t, 0, status.Active)
	assert.Equal(t, int64(1), status.Completed)
	assert.Equal(t, int64(1), status.Failed)
	assert.Equal(t, int64(1), status.ModuleUses[ModuleSocial])
	assert.Equal(t, int64(1), status.ModuleUses[ModuleTechnical])
	assert.ElementsMatch(t, []string{ModuleSocial, ModuleTechnical}, status.RegisteredModules)
}

func TestSetPriorsAppliesToNextMerge(t *testing.T) {
	c := newTestCoordinator(t,
		&stubModule{name: ModuleSocial, conf: 0.9},
		&stubModule{name: ModuleBreach, conf: 0.5},
	)
	subset := []string{ModuleSocial, ModuleBreach}

	inv, err := c.Investigate(context.Background(), "target", TypePerson, subset, 0)
	require.NoError(t, err)
	assert.InDelta(t, (0.9*0.8+0.5*0.7)/(0.8+0.7), inv.AggregateConfidence, 1e-9)

	c.SetPriors(map[string]float64{ModuleSocial: 0.2, ModuleBreach: 1.0})

	inv, err = c.Investigate(context.Background(), "target", TypePerson, subset, 0)
	require.NoError(t, err)
	assert.InDelta(t, (0.9*0.2+0.5*1.0)/(0.2+1.0), inv.AggregateConfidence, 1e-9)
}
