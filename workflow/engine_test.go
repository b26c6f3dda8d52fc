package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

type testEngine struct {
	*WorkflowEngine
	clock *clock.Mock
	store *storage.MemoryStorage
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStorage()
	base := []Option{
		WithClock(mock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithActionRetryPolicy(0, time.Millisecond),
	}
	engine, err := NewWorkflowEngine(&MockGenerator{}, store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Stop(context.Background()))
	})
	return &testEngine{WorkflowEngine: engine, clock: mock, store: store}
}

func activity(id, typ string) *types.ActivityDefinition {
	return &types.ActivityDefinition{ID: id, Type: typ}
}

func flow(from, to string) *types.TransitionDefinition {
	return &types.TransitionDefinition{FromID: from, ToID: to}
}

func conditional(id, from, to, condition string) *types.TransitionDefinition {
	return &types.TransitionDefinition{ID: id, FromID: from, ToID: to, Condition: condition}
}

func register(t *testing.T, e *testEngine, wf *types.WorkflowDefinition) *types.WorkflowDefinition {
	t.Helper()
	require.NoError(t, e.RegisterWorkflow(context.Background(), wf))
	return wf
}

func start(t *testing.T, e *testEngine, workflowID string, vars map[string]interface{}) *instance.WorkflowInstance {
	t.Helper()
	wi, err := e.StartWorkflowInstance(context.Background(), StartRequest{WorkflowID: workflowID, Variables: vars})
	require.NoError(t, err)
	return wi
}

func instancesOf(wi *instance.WorkflowInstance, activityID string) []*instance.ActivityInstance {
	return wi.FindByActivityDefinitionID(instance.RootScopeID, activityID)
}

func waitingInstance(t *testing.T, wi *instance.WorkflowInstance, activityID string) *instance.ActivityInstance {
	t.Helper()
	for _, ai := range instancesOf(wi, activityID) {
		if ai.WorkState == instance.Waiting {
			return ai
		}
	}
	require.Failf(t, "no waiting instance", "activity %s", activityID)
	return nil
}

func countEvents(e *testEngine, eventType string) *atomic.Int32 {
	var n atomic.Int32
	e.SubscribeEvent(eventType, events.EventHandlerFunc(func(context.Context, events.Event) error {
		n.Add(1)
		return nil
	}))
	return &n
}

func TestNewWorkflowEngine(t *testing.T) {
	_, err := NewWorkflowEngine(nil, nil)
	assert.Error(t, err, "generator is required")

	engine, err := NewWorkflowEngine(&MockGenerator{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, engine.storage, "nil storage falls back to memory")
	for _, name := range []string{
		TypeStart, TypeEnd, TypeTask, TypeUserTask, TypeReceiveTask, TypeAction, TypeScript,
		TypeExclusiveGateway, TypeParallelGateway, TypeSubProcess, TypeCallActivity, TypeTimer,
	} {
		_, err := engine.activityType(name)
		assert.NoError(t, err, name)
	}
	require.NoError(t, engine.Stop(context.Background()))
	require.NoError(t, engine.Stop(context.Background()), "stop is idempotent")

	_, err = engine.StartWorkflowInstance(context.Background(), StartRequest{WorkflowID: "x"})
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestRegisterWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("Versions by name", func(t *testing.T) {
		e := newTestEngine(t)
		newDef := func(id string) *types.WorkflowDefinition {
			return &types.WorkflowDefinition{
				ID:   id,
				Name: "order",
				ScopeDefinition: types.ScopeDefinition{
					Activities: []*types.ActivityDefinition{activity("start", TypeStart)},
				},
			}
		}
		v1 := register(t, e, newDef("order-1"))
		v2 := register(t, e, newDef("order-2"))

		assert.Equal(t, 1, v1.Version)
		assert.Equal(t, 2, v2.Version)
		assert.Equal(t, e.clock.Now(), v2.DeployedAt)

		got, err := e.GetWorkflow(ctx, "order-2")
		require.NoError(t, err)
		assert.Same(t, v2, got, "registered definitions are cached")

		latest, err := e.latestWorkflow(ctx, "order")
		require.NoError(t, err)
		assert.Equal(t, "order-2", latest.ID)
	})

	t.Run("Generates missing ID", func(t *testing.T) {
		e := newTestEngine(t)
		wf := register(t, e, &types.WorkflowDefinition{
			ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{activity("start", TypeStart)},
			},
		})
		assert.Equal(t, "1", wf.ID)
	})

	t.Run("Reads through the store", func(t *testing.T) {
		e := newTestEngine(t)
		wf := &types.WorkflowDefinition{
			ID:              "stored",
			ScopeDefinition: types.ScopeDefinition{Activities: []*types.ActivityDefinition{activity("start", TypeStart)}},
		}
		require.NoError(t, types.Prepare(wf))
		require.NoError(t, e.store.SaveWorkflow(ctx, wf))

		got, err := e.GetWorkflow(ctx, "stored")
		require.NoError(t, err)
		assert.NotNil(t, got.Activity("start"))

		_, err = e.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	tests := []struct {
		name    string
		wf      *types.WorkflowDefinition
		wantErr error
	}{
		{
			name:    "Nil definition",
			wf:      nil,
			wantErr: types.ErrInvalidDefinition,
		},
		{
			name: "Unknown activity type",
			wf: &types.WorkflowDefinition{ID: "wf", ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{activity("a", "mystery")},
			}},
			wantErr: ErrActivityTypeNotRegistered,
		},
		{
			name: "Broken condition",
			wf: &types.WorkflowDefinition{ID: "wf", ScopeDefinition: types.ScopeDefinition{
				Activities:  []*types.ActivityDefinition{activity("a", TypeStart), activity("b", TypeEnd)},
				Transitions: []*types.TransitionDefinition{conditional("", "a", "b", "x ==")},
			}},
			wantErr: types.ErrInvalidDefinition,
		},
		{
			name: "Script without binding",
			wf: &types.WorkflowDefinition{ID: "wf", ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{activity("s", TypeScript)},
			}},
			wantErr: types.ErrInvalidDefinition,
		},
		{
			name: "Broken script",
			wf: &types.WorkflowDefinition{ID: "wf", ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{
					{ID: "s", Type: TypeScript, Script: types.Expression("1 +")},
				},
			}},
			wantErr: types.ErrInvalidBinding,
		},
		{
			name: "Unknown type inside sub-process",
			wf: &types.WorkflowDefinition{ID: "wf", ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{{
					ID:   "sub",
					Type: TypeSubProcess,
					ScopeDefinition: types.ScopeDefinition{
						Activities: []*types.ActivityDefinition{activity("inner", "mystery")},
					},
				}},
			}},
			wantErr: ErrActivityTypeNotRegistered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			err := e.RegisterWorkflow(ctx, tt.wf)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegisterActivityType(t *testing.T) {
	e := newTestEngine(t)
	assert.Error(t, e.RegisterActivityType("", BaseActivityType{}))
	assert.Error(t, e.RegisterActivityType("custom", nil))
	require.NoError(t, e.RegisterActivityType("custom", waitActivity{}))

	register(t, e, &types.WorkflowDefinition{ID: "wf", ScopeDefinition: types.ScopeDefinition{
		Activities: []*types.ActivityDefinition{activity("c", "custom")},
	}})
	wi := start(t, e, "wf", nil)
	assert.Equal(t, instance.Waiting, instancesOf(wi, "c")[0].WorkState)
}

func TestStartWorkflowInstance(t *testing.T) {
	ctx := context.Background()

	t.Run("Runs to completion", func(t *testing.T) {
		e := newTestEngine(t)
		completed := countEvents(e, events.InstanceCompleted)
		register(t, e, &types.WorkflowDefinition{
			ID: "simple",
			ScopeDefinition: types.ScopeDefinition{
				Variables:   []*types.VariableDefinition{{ID: "amount", Type: datatype.Number, Initial: 0}},
				Activities:  []*types.ActivityDefinition{activity("start", TypeStart), activity("work", TypeTask), activity("end", TypeEnd)},
				Transitions: []*types.TransitionDefinition{flow("start", "work"), flow("work", "end")},
			},
		})

		wi := start(t, e, "simple", map[string]interface{}{"amount": 12, "note": "hi"})
		assert.True(t, wi.IsEnded())
		assert.Empty(t, wi.LockToken)
		assert.Len(t, instancesOf(wi, "end"), 1)

		amount, ok := wi.GetVariable(instance.RootScopeID, "amount")
		require.True(t, ok)
		assert.Equal(t, datatype.Number, amount.Value.Type)
		note, ok := wi.GetVariable(instance.RootScopeID, "note")
		require.True(t, ok)
		assert.True(t, note.AdHoc)

		stored, err := e.GetWorkflowInstance(ctx, wi.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsEnded())
		assert.EqualValues(t, 12, stored.Root.Vars[0].Value.Value)

		assert.Eventually(t, func() bool { return completed.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("By name", func(t *testing.T) {
		e := newTestEngine(t)
		for _, id := range []string{"v1", "v2"} {
			register(t, e, &types.WorkflowDefinition{
				ID:              id,
				Name:            "named",
				ScopeDefinition: types.ScopeDefinition{Activities: []*types.ActivityDefinition{activity("start", TypeStart)}},
			})
		}
		wi, err := e.StartWorkflowInstance(ctx, StartRequest{WorkflowName: "named"})
		require.NoError(t, err)
		assert.Equal(t, "v2", wi.WorkflowID)
	})

	t.Run("Errors", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.StartWorkflowInstance(ctx, StartRequest{})
		assert.ErrorIs(t, err, ErrMissingWorkflowOrIdentifier)
		_, err = e.StartWorkflowInstance(ctx, StartRequest{WorkflowID: "missing"})
		assert.ErrorIs(t, err, ErrWorkflowNotFound)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = e.StartWorkflowInstance(cctx, StartRequest{WorkflowID: "missing"})
		assert.ErrorIs(t, err, context.Canceled)
		_, err = e.GetWorkflowInstance(ctx, 99)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("Embedded sub-process", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, &types.WorkflowDefinition{
			ID: "nested",
			ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{
					activity("start", TypeStart),
					{
						ID:   "sub",
						Type: TypeSubProcess,
						ScopeDefinition: types.ScopeDefinition{
							Activities:  []*types.ActivityDefinition{activity("a", TypeTask), activity("b", TypeUserTask)},
							Transitions: []*types.TransitionDefinition{flow("a", "b")},
						},
					},
					activity("end", TypeEnd),
				},
				Transitions: []*types.TransitionDefinition{flow("start", "sub"), flow("sub", "end")},
			},
		})

		wi := start(t, e, "nested", nil)
		require.False(t, wi.IsEnded())
		sub := instancesOf(wi, "sub")[0]
		assert.Equal(t, instance.Waiting, sub.WorkState)
		b := waitingInstance(t, wi, "b")
		assert.Equal(t, sub.ID, b.ParentID)
		assert.Empty(t, instancesOf(wi, "end"))

		wi, err := e.Message(ctx, wi.ID, b.ID, nil)
		require.NoError(t, err)
		assert.True(t, wi.IsEnded())
		assert.True(t, instancesOf(wi, "sub")[0].IsEnded())
		assert.Equal(t, instance.WorkStateNone, instancesOf(wi, "sub")[0].WorkState)
		assert.Len(t, instancesOf(wi, "end"), 1)
	})
}

// parallelDefinition forks into two branches and joins them again. With
// manualB the second branch waits for a message.
func parallelDefinition(id string, reverse, manualB bool) *types.WorkflowDefinition {
	bType := TypeTask
	if manualB {
		bType = TypeUserTask
	}
	forks := []*types.TransitionDefinition{flow("fork", "a"), flow("fork", "b")}
	if reverse {
		forks[0], forks[1] = forks[1], forks[0]
	}
	transitions := append([]*types.TransitionDefinition{flow("start", "fork")}, forks...)
	transitions = append(transitions, flow("a", "join"), flow("b", "join"), flow("join", "end"))
	return &types.WorkflowDefinition{
		ID: id,
		ScopeDefinition: types.ScopeDefinition{
			Activities: []*types.ActivityDefinition{
				activity("start", TypeStart),
				activity("fork", TypeParallelGateway),
				activity("a", TypeTask),
				activity("b", bType),
				activity("join", TypeParallelGateway),
				activity("end", TypeEnd),
			},
			Transitions: transitions,
		},
	}
}

func TestParallelForkJoin(t *testing.T) {
	for _, tt := range []struct {
		name    string
		reverse bool
	}{
		{name: "Declaration order", reverse: false},
		{name: "Reverse arrival order", reverse: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			joining := countEvents(e, events.ActivityJoining)
			register(t, e, parallelDefinition("parallel", tt.reverse, false))

			wi := start(t, e, "parallel", nil)
			require.True(t, wi.IsEnded())
			assert.Len(t, instancesOf(wi, "a"), 1)
			assert.Len(t, instancesOf(wi, "b"), 1)
			assert.Len(t, instancesOf(wi, "end"), 1, "join fires exactly once")

			joins := instancesOf(wi, "join")
			require.Len(t, joins, 2)
			for _, j := range joins {
				assert.True(t, j.IsEnded())
				assert.Equal(t, instance.WorkStateNone, j.WorkState)
			}
			assert.Eventually(t, func() bool { return joining.Load() == 1 }, time.Second, 5*time.Millisecond)
			assert.Never(t, func() bool { return joining.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
		})
	}
}

func TestParallelJoinWaitsForAllBranches(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	register(t, e, parallelDefinition("parallel", false, true))

	wi := start(t, e, "parallel", nil)
	require.False(t, wi.IsEnded())
	assert.Empty(t, instancesOf(wi, "end"))
	joins := instancesOf(wi, "join")
	require.Len(t, joins, 1)
	assert.Equal(t, instance.Joining, joins[0].WorkState)
	assert.True(t, joins[0].IsEnded())

	b := waitingInstance(t, wi, "b")
	wi, err := e.Message(ctx, wi.ID, b.ID, nil)
	require.NoError(t, err)
	assert.True(t, wi.IsEnded())
	assert.Len(t, instancesOf(wi, "end"), 1)
	assert.Len(t, instancesOf(wi, "join"), 2)
}

func TestParallelJoinFiresWhenNothingElseIsOpen(t *testing.T) {
	e := newTestEngine(t)
	register(t, e, &types.WorkflowDefinition{
		ID: "pruned",
		ScopeDefinition: types.ScopeDefinition{
			Activities: []*types.ActivityDefinition{
				activity("start", TypeStart),
				activity("choose", TypeExclusiveGateway),
				activity("a", TypeTask),
				activity("b", TypeTask),
				activity("join", TypeParallelGateway),
				activity("end", TypeEnd),
			},
			Transitions: []*types.TransitionDefinition{
				flow("start", "choose"),
				conditional("", "choose", "a", "true"),
				conditional("", "choose", "b", "false"),
				flow("a", "join"),
				flow("b", "join"),
				flow("join", "end"),
			},
		},
	})

	wi := start(t, e, "pruned", nil)
	assert.True(t, wi.IsEnded())
	assert.Empty(t, instancesOf(wi, "b"))
	assert.Len(t, instancesOf(wi, "join"), 1)
	assert.Len(t, instancesOf(wi, "end"), 1)
}

func exclusiveDefinition() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID: "exclusive",
		ScopeDefinition: types.ScopeDefinition{
			Variables: []*types.VariableDefinition{{ID: "x", Type: datatype.Number, Initial: 0}},
			Activities: []*types.ActivityDefinition{
				activity("start", TypeStart),
				{ID: "gateway", Type: TypeExclusiveGateway, DefaultTransition: "t3"},
				activity("big", TypeTask),
				activity("positive", TypeTask),
				activity("other", TypeTask),
			},
			Transitions: []*types.TransitionDefinition{
				flow("start", "gateway"),
				conditional("t1", "gateway", "big", "x > 10"),
				conditional("t2", "gateway", "positive", "x > 0"),
				conditional("t3", "gateway", "other", ""),
			},
		},
	}
}

func TestExclusiveGateway(t *testing.T) {
	tests := []struct {
		name  string
		x     int
		taken string
	}{
		{name: "Only the second holds", x: 5, taken: "positive"},
		{name: "First true wins", x: 20, taken: "big"},
		{name: "Default", x: -1, taken: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			register(t, e, exclusiveDefinition())
			wi := start(t, e, "exclusive", map[string]interface{}{"x": tt.x})

			require.True(t, wi.IsEnded())
			for _, id := range []string{"big", "positive", "other"} {
				want := 0
				if id == tt.taken {
					want = 1
				}
				assert.Len(t, instancesOf(wi, id), want, id)
			}
		})
	}

	t.Run("Single unconditional transition", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, &types.WorkflowDefinition{
			ID: "single",
			ScopeDefinition: types.ScopeDefinition{
				Activities:  []*types.ActivityDefinition{activity("gateway", TypeExclusiveGateway), activity("next", TypeTask)},
				Transitions: []*types.TransitionDefinition{flow("gateway", "next")},
			},
		})
		wi := start(t, e, "single", nil)
		assert.Len(t, instancesOf(wi, "next"), 1)
	})

	t.Run("No transition holds", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, &types.WorkflowDefinition{
			ID: "dead-end",
			ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{
					activity("gateway", TypeExclusiveGateway), activity("a", TypeTask), activity("b", TypeTask),
				},
				Transitions: []*types.TransitionDefinition{
					conditional("", "gateway", "a", "false"),
					conditional("", "gateway", "b", "1 > 2"),
				},
			},
		})
		wi := start(t, e, "dead-end", nil)
		assert.True(t, wi.IsEnded())
		assert.True(t, instancesOf(wi, "gateway")[0].IsEnded())
		assert.Empty(t, instancesOf(wi, "a"))
		assert.Empty(t, instancesOf(wi, "b"))
	})

	t.Run("First unconditional transition", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, &types.WorkflowDefinition{
			ID: "fallback",
			ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{
					activity("gateway", TypeExclusiveGateway),
					activity("a", TypeTask), activity("b", TypeTask), activity("c", TypeTask),
				},
				Transitions: []*types.TransitionDefinition{
					conditional("", "gateway", "a", "false"),
					flow("gateway", "b"),
					conditional("", "gateway", "c", "1 > 2"),
				},
			},
		})
		wi := start(t, e, "fallback", nil)
		assert.True(t, wi.IsEnded())
		assert.Empty(t, instancesOf(wi, "a"))
		assert.Len(t, instancesOf(wi, "b"), 1)
		assert.Empty(t, instancesOf(wi, "c"))
	})

	t.Run("Variable named like a builtin", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, &types.WorkflowDefinition{
			ID: "counted",
			ScopeDefinition: types.ScopeDefinition{
				Variables: []*types.VariableDefinition{{ID: "count", Type: datatype.Number, Initial: 0}},
				Activities: []*types.ActivityDefinition{
					{ID: "gateway", Type: TypeExclusiveGateway, DefaultTransition: "few"},
					activity("many", TypeTask), activity("few", TypeTask),
				},
				Transitions: []*types.TransitionDefinition{
					conditional("many", "gateway", "many", "count > 2"),
					conditional("few", "gateway", "few", ""),
				},
			},
		})
		wi := start(t, e, "counted", map[string]interface{}{"count": 3})
		assert.Len(t, instancesOf(wi, "many"), 1)
		assert.Empty(t, instancesOf(wi, "few"))
	})
}

func TestConditionalTransitions(t *testing.T) {
	e := newTestEngine(t)
	register(t, e, &types.WorkflowDefinition{
		ID: "conditions",
		ScopeDefinition: types.ScopeDefinition{
			Variables: []*types.VariableDefinition{{ID: "n", Type: datatype.Number, Initial: 3}},
			Activities: []*types.ActivityDefinition{
				activity("start", TypeStart), activity("a", TypeTask), activity("b", TypeTask), activity("c", TypeTask),
			},
			Transitions: []*types.TransitionDefinition{
				conditional("", "start", "a", "n > 1"),
				conditional("", "start", "b", "n > 5"),
				flow("start", "c"),
			},
		},
	})

	wi := start(t, e, "conditions", nil)
	assert.True(t, wi.IsEnded())
	assert.Len(t, instancesOf(wi, "a"), 1)
	assert.Empty(t, instancesOf(wi, "b"))
	assert.Len(t, instancesOf(wi, "c"), 1)
}

func TestScriptActivity(t *testing.T) {
	e := newTestEngine(t)
	register(t, e, &types.WorkflowDefinition{
		ID: "script",
		ScopeDefinition: types.ScopeDefinition{
			Variables: []*types.VariableDefinition{
				{ID: "price", Type: datatype.Number, Initial: 10},
				{ID: "total", Type: datatype.Number},
			},
			Activities: []*types.ActivityDefinition{
				{ID: "compute", Type: TypeScript, Script: types.Expression("price * 3"), ResultVariable: "total"},
			},
		},
	})

	wi := start(t, e, "script", nil)
	require.True(t, wi.IsEnded())
	total, ok := wi.GetVariable(instance.RootScopeID, "total")
	require.True(t, ok)
	assert.EqualValues(t, 30, total.Value.Value)
	assert.False(t, total.AdHoc)
}

func multiInstanceDefinition(each string) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID: "multi",
		ScopeDefinition: types.ScopeDefinition{
			Variables: []*types.VariableDefinition{{ID: "items", Type: datatype.List}},
			Activities: []*types.ActivityDefinition{
				activity("start", TypeStart),
				{
					ID:   "each",
					Type: each,
					MultiInstance: &types.MultiInstanceDefinition{
						ElementVariable: &types.VariableDefinition{ID: "item", Type: datatype.Number},
						Collection:      types.VariableRef("items"),
					},
				},
				activity("end", TypeEnd),
			},
			Transitions: []*types.TransitionDefinition{flow("start", "each"), flow("each", "end")},
		},
	}
}

func children(wi *instance.WorkflowInstance, parent *instance.ActivityInstance) []*instance.ActivityInstance {
	return wi.Children(parent.ID)
}

func TestMultiInstance(t *testing.T) {
	ctx := context.Background()

	t.Run("Fans out over the collection", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, multiInstanceDefinition(TypeTask))
		wi := start(t, e, "multi", map[string]interface{}{"items": []interface{}{1, 2, 3}})

		require.True(t, wi.IsEnded())
		each := instancesOf(wi, "each")
		require.Len(t, each, 4, "container and three children")
		container := each[0]
		kids := children(wi, container)
		require.Len(t, kids, 3)
		for i, kid := range kids {
			v, ok := wi.GetVariable(kid.ID, "item")
			require.True(t, ok)
			assert.Equal(t, i+1, v.Value.Value)
		}
		assert.Len(t, instancesOf(wi, "end"), 1, "container completes once")
	})

	t.Run("Empty collection passes through", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, multiInstanceDefinition(TypeTask))
		wi := start(t, e, "multi", map[string]interface{}{"items": []interface{}{}})

		require.True(t, wi.IsEnded())
		assert.Len(t, instancesOf(wi, "each"), 1)
		assert.Len(t, instancesOf(wi, "end"), 1)
	})

	t.Run("Waits for every child", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, multiInstanceDefinition(TypeUserTask))
		wi := start(t, e, "multi", map[string]interface{}{"items": []interface{}{"a", "b", "c"}})

		container := instancesOf(wi, "each")[0]
		assert.Equal(t, instance.Waiting, container.WorkState)
		kids := children(wi, container)
		require.Len(t, kids, 3)

		var err error
		for i, kid := range kids {
			require.False(t, wi.IsEnded(), "child %d", i)
			wi, err = e.Message(ctx, wi.ID, kid.ID, nil)
			require.NoError(t, err)
		}
		assert.True(t, wi.IsEnded())
		assert.Len(t, instancesOf(wi, "end"), 1)
	})

	t.Run("Collection must be a list", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, multiInstanceDefinition(TypeTask))
		_, err := e.StartWorkflowInstance(ctx, StartRequest{WorkflowID: "multi", Variables: map[string]interface{}{"items": 7}})
		assert.Error(t, err)
	})
}

func callerDefinition(call *types.CallDefinition) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID: "caller",
		ScopeDefinition: types.ScopeDefinition{
			Variables: []*types.VariableDefinition{
				{ID: "callerVar", Type: datatype.Number, Initial: 7},
				{ID: "callerVar2", Type: datatype.Number},
			},
			Activities: []*types.ActivityDefinition{
				activity("start", TypeStart),
				{ID: "call", Type: TypeCallActivity, Call: call},
				activity("end", TypeEnd),
			},
			Transitions: []*types.TransitionDefinition{flow("start", "call"), flow("call", "end")},
		},
	}
}

func childDefinition(id, name, script string) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:   id,
		Name: name,
		ScopeDefinition: types.ScopeDefinition{
			Activities: []*types.ActivityDefinition{
				{ID: "compute", Type: TypeScript, Script: types.Expression(script), ResultVariable: "y"},
			},
		},
	}
}

// unreachableNames fails every lookup by name.
type unreachableNames struct {
	*storage.MemoryStorage
	err error
}

func (s *unreachableNames) FindLatestWorkflowIDByName(context.Context, string) (string, error) {
	return "", s.err
}

func TestCallActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("Missing target passes through", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, callerDefinition(&types.CallDefinition{
			SubWorkflowID: types.Literal(datatype.Text, "nonexistent"),
		}))

		wi := start(t, e, "caller", nil)
		assert.True(t, wi.IsEnded())
		assert.Zero(t, instancesOf(wi, "call")[0].CalledWorkflowInstanceID)
		assert.Len(t, instancesOf(wi, "end"), 1)

		_, err := e.GetWorkflowInstance(ctx, wi.ID+1)
		assert.ErrorIs(t, err, ErrInstanceNotFound, "no child instance is created")
	})

	t.Run("Lookup failure fails the attempt", func(t *testing.T) {
		mock := clock.NewMock()
		inner := storage.NewMemoryStorage()
		errDown := errors.New("connection refused")
		engine, err := NewWorkflowEngine(&MockGenerator{}, &unreachableNames{MemoryStorage: inner, err: errDown},
			WithClock(mock),
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, engine.Stop(context.Background()))
		})
		e := &testEngine{WorkflowEngine: engine, clock: mock, store: inner}
		register(t, e, callerDefinition(&types.CallDefinition{
			SubWorkflowName: types.Literal(datatype.Text, "child"),
		}))

		_, err = e.StartWorkflowInstance(ctx, StartRequest{WorkflowID: "caller"})
		require.ErrorIs(t, err, errDown)

		stored, err := e.GetWorkflowInstance(ctx, 1)
		require.NoError(t, err)
		assert.False(t, stored.IsEnded())
		assert.Empty(t, instancesOf(stored, "end"))
	})

	t.Run("Maps inputs and outputs", func(t *testing.T) {
		e := newTestEngine(t)
		started := countEvents(e, events.SubWorkflowStarted)
		register(t, e, childDefinition("child", "", "x * 6"))
		register(t, e, callerDefinition(&types.CallDefinition{
			SubWorkflowID: types.Literal(datatype.Text, "child"),
			Inputs:        []types.ParameterMapping{{Name: "x", Binding: types.VariableRef("callerVar")}},
			Outputs: []types.ParameterMapping{
				{Name: "callerVar2", Binding: types.VariableRef("y")},
				{Name: "unset", Binding: types.VariableRef("nope")},
			},
		}))

		wi := start(t, e, "caller", nil)
		assert.True(t, wi.IsEnded(), "returned caller includes the synchronous child result")
		v, ok := wi.GetVariable(instance.RootScopeID, "callerVar2")
		require.True(t, ok)
		assert.EqualValues(t, 42, v.Value.Value)
		call := instancesOf(wi, "call")[0]
		childID := call.CalledWorkflowInstanceID
		require.NotZero(t, childID)

		caller, err := e.GetWorkflowInstance(ctx, wi.ID)
		require.NoError(t, err)
		assert.True(t, caller.IsEnded())
		_, ok = caller.GetVariable(instance.RootScopeID, "unset")
		assert.False(t, ok)
		assert.Len(t, instancesOf(caller, "end"), 1)

		child, err := e.GetWorkflowInstance(ctx, childID)
		require.NoError(t, err)
		assert.True(t, child.IsEnded())
		assert.Equal(t, wi.ID, child.CallerWorkflowInstanceID)
		assert.Equal(t, call.ID, child.CallerActivityInstanceID)
		x, ok := child.GetVariable(instance.RootScopeID, "x")
		require.True(t, ok)
		assert.EqualValues(t, 7, x.Value.Value)

		assert.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("Latest version by name", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, childDefinition("child-v1", "child", "x * 6"))
		register(t, e, childDefinition("child-v2", "child", "x * 7"))
		register(t, e, callerDefinition(&types.CallDefinition{
			SubWorkflowName: types.Literal(datatype.Text, "child"),
			Inputs:          []types.ParameterMapping{{Name: "x", Binding: types.VariableRef("callerVar")}},
			Outputs:         []types.ParameterMapping{{Name: "callerVar2", Binding: types.VariableRef("y")}},
		}))

		wi := start(t, e, "caller", nil)
		caller, err := e.GetWorkflowInstance(ctx, wi.ID)
		require.NoError(t, err)
		require.True(t, caller.IsEnded())
		v, _ := caller.GetVariable(instance.RootScopeID, "callerVar2")
		assert.EqualValues(t, 49, v.Value.Value)

		child, err := e.GetWorkflowInstance(ctx, instancesOf(wi, "call")[0].CalledWorkflowInstanceID)
		require.NoError(t, err)
		assert.Equal(t, "child-v2", child.WorkflowID)
	})

	t.Run("Waiting child keeps the caller waiting", func(t *testing.T) {
		e := newTestEngine(t)
		register(t, e, &types.WorkflowDefinition{
			ID: "approval",
			ScopeDefinition: types.ScopeDefinition{
				Activities: []*types.ActivityDefinition{activity("approve", TypeUserTask)},
			},
		})
		register(t, e, callerDefinition(&types.CallDefinition{
			SubWorkflowID: types.Literal(datatype.Text, "approval"),
			Outputs:       []types.ParameterMapping{{Name: "callerVar2", Binding: types.VariableRef("decision")}},
		}))

		wi := start(t, e, "caller", nil)
		childID := instancesOf(wi, "call")[0].CalledWorkflowInstanceID

		child, err := e.GetWorkflowInstance(ctx, childID)
		require.NoError(t, err)
		approve := waitingInstance(t, child, "approve")

		_, err = e.Message(ctx, childID, approve.ID, map[string]interface{}{"decision": 1})
		require.NoError(t, err)

		caller, err := e.GetWorkflowInstance(ctx, wi.ID)
		require.NoError(t, err)
		assert.True(t, caller.IsEnded())
		v, _ := caller.GetVariable(instance.RootScopeID, "callerVar2")
		assert.EqualValues(t, 1, v.Value.Value)
	})
}
