package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/process-engine/binding"
	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/types"
)

// WorkState is the scheduling state of an activity instance. Ended instances
// carry WorkStateNone and a non-nil End.
type WorkState string

const (
	WorkStateNone          WorkState = ""
	Starting               WorkState = "starting"
	StartingMultiContainer WorkState = "starting_multi_container"
	StartingMultiInstance  WorkState = "starting_multi_instance"
	Notifying              WorkState = "notifying"
	Joining                WorkState = "joining"
	Waiting                WorkState = "waiting"
)

// RootScopeID is the id of the workflow instance's own scope.
const RootScopeID int64 = 0

const noParent int64 = -1

var (
	// ErrVariableNotFound is returned when no scope in the chain declares a variable.
	ErrVariableNotFound = binding.ErrVariableNotFound
	// ErrNilDefinition is returned when an activity instance is created without a definition.
	ErrNilDefinition = errors.New("activity definition is nil")
	// ErrScopeNotFound is returned for an unknown scope or activity instance id.
	ErrScopeNotFound = errors.New("scope instance not found")
	// ErrPreconditionViolated signals a scheduler bug such as ending an
	// instance with open children or ending it twice.
	ErrPreconditionViolated = errors.New("precondition violated")
)

// ScopeInstance is the runtime state shared by the workflow root and every
// activity instance.
type ScopeInstance struct {
	ID       int64               `json:"id"`
	ParentID int64               `json:"parent_id"`
	Start    time.Time           `json:"start"`
	End      *time.Time          `json:"end,omitempty"`
	Duration time.Duration       `json:"duration,omitempty"`
	Children []int64             `json:"children,omitempty"`
	Vars     []*VariableInstance `json:"variables,omitempty"`

	// VariablesChanged marks scopes whose variables need persisting.
	VariablesChanged bool `json:"-"`
}

// IsEnded reports whether the scope has an end timestamp.
func (s *ScopeInstance) IsEnded() bool { return s.End != nil }

// IsRoot reports whether the scope is the workflow instance itself.
func (s *ScopeInstance) IsRoot() bool { return s.ParentID == noParent }

func (s *ScopeInstance) variable(id string) *VariableInstance {
	for _, v := range s.Vars {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// ActivityInstance is one execution of an activity definition.
type ActivityInstance struct {
	ScopeInstance
	ActivityID string    `json:"activity_id"`
	WorkState  WorkState `json:"work_state,omitempty"`
	// CalledWorkflowInstanceID is the child started by a call activity.
	CalledWorkflowInstanceID uint64 `json:"called_workflow_instance_id,omitempty"`
}

// VariableInstance holds the value of one variable in one scope.
type VariableInstance struct {
	ID    string              `json:"id"`
	Value datatype.TypedValue `json:"value"`
	// AdHoc is set for variables written without a definition.
	AdHoc bool `json:"ad_hoc,omitempty"`
}

// TimerJob is a pending timer owned by a scope instance.
type TimerJob struct {
	ID              string    `json:"id"`
	ScopeInstanceID int64     `json:"scope_instance_id"`
	TimerID         string    `json:"timer_id"`
	DueAt           time.Time `json:"due_at"`
}

// WorkflowInstance is one running process. It owns every activity instance in
// a flat arena keyed by id; parent links are ids.
type WorkflowInstance struct {
	ID             uint64 `json:"id"`
	WorkflowID     string `json:"workflow_id"`
	OrganizationID string `json:"organization_id,omitempty"`

	Root       ScopeInstance               `json:"root"`
	Activities map[int64]*ActivityInstance `json:"activities"`

	// Work is the synchronous FIFO queue of activity instance ids.
	Work []int64 `json:"work,omitempty"`
	// AsyncWork holds instances of asynchronous activity types.
	AsyncWork []int64 `json:"async_work,omitempty"`

	CallerWorkflowInstanceID uint64 `json:"caller_workflow_instance_id,omitempty"`
	CallerActivityInstanceID int64  `json:"caller_activity_instance_id,omitempty"`

	TimerJobs []*TimerJob `json:"timer_jobs,omitempty"`

	NextActivityInstanceID int64 `json:"next_activity_instance_id"`

	// LockToken is owned by the instance store and is not part of the
	// persisted document.
	LockToken string `json:"-"`
}

// New creates a workflow instance for def with its root variables initialized.
func New(id uint64, def *types.WorkflowDefinition, now time.Time) *WorkflowInstance {
	wi := &WorkflowInstance{
		ID:             id,
		WorkflowID:     def.ID,
		OrganizationID: def.OrganizationID,
		Root: ScopeInstance{
			ID:       RootScopeID,
			ParentID: noParent,
			Start:    now,
		},
		Activities: make(map[int64]*ActivityInstance),
	}
	wi.Root.Vars = initVariables(def.Variables)
	return wi
}

func initVariables(defs []*types.VariableDefinition) []*VariableInstance {
	if len(defs) == 0 {
		return nil
	}
	vars := make([]*VariableInstance, 0, len(defs))
	for _, d := range defs {
		vars = append(vars, &VariableInstance{
			ID:    d.ID,
			Value: datatype.TypedValue{Type: typeName(d.Type), Value: d.Initial},
		})
	}
	return vars
}

func typeName(name string) string {
	if name == "" {
		return datatype.Any
	}
	return name
}

// IsEnded reports whether the workflow instance has completed.
func (wi *WorkflowInstance) IsEnded() bool { return wi.Root.End != nil }

// Scope returns the scope instance with the given id, the root for RootScopeID.
func (wi *WorkflowInstance) Scope(id int64) *ScopeInstance {
	if id == RootScopeID {
		return &wi.Root
	}
	if ai, ok := wi.Activities[id]; ok {
		return &ai.ScopeInstance
	}
	return nil
}

// ActivityInstance returns the activity instance with the given id.
func (wi *WorkflowInstance) ActivityInstance(id int64) *ActivityInstance {
	return wi.Activities[id]
}

// Parent returns the activity instance owning ai, or nil if ai sits in the root scope.
func (wi *WorkflowInstance) Parent(ai *ActivityInstance) *ActivityInstance {
	return wi.Activities[ai.ParentID]
}

// CreateActivityInstance allocates an activity instance under parentID,
// initializes its variables and enqueues it on the sync or async queue.
func (wi *WorkflowInstance) CreateActivityInstance(parentID int64, def *types.ActivityDefinition, async bool, now time.Time) (*ActivityInstance, error) {
	if def == nil {
		return nil, ErrNilDefinition
	}
	state := Starting
	if def.MultiInstance != nil {
		state = StartingMultiContainer
	}
	ai, err := wi.newActivityInstance(parentID, def, state, now)
	if err != nil {
		return nil, err
	}
	if async {
		wi.AsyncWork = append(wi.AsyncWork, ai.ID)
	} else {
		wi.Work = append(wi.Work, ai.ID)
	}
	return ai, nil
}

// CreateMultiInstanceChild creates one fanned-out child of a multi-instance
// container with its element variable bound to element.
func (wi *WorkflowInstance) CreateMultiInstanceChild(containerID int64, def *types.ActivityDefinition, element interface{}, async bool, now time.Time) (*ActivityInstance, error) {
	if def == nil || def.MultiInstance == nil {
		return nil, ErrNilDefinition
	}
	ai, err := wi.newActivityInstance(containerID, def, StartingMultiInstance, now)
	if err != nil {
		return nil, err
	}
	ev := def.MultiInstance.ElementVariable
	ai.Vars = append(ai.Vars, &VariableInstance{
		ID:    ev.ID,
		Value: datatype.TypedValue{Type: typeName(ev.Type), Value: element},
	})
	if async {
		wi.AsyncWork = append(wi.AsyncWork, ai.ID)
	} else {
		wi.Work = append(wi.Work, ai.ID)
	}
	return ai, nil
}

func (wi *WorkflowInstance) newActivityInstance(parentID int64, def *types.ActivityDefinition, state WorkState, now time.Time) (*ActivityInstance, error) {
	parent := wi.Scope(parentID)
	if parent == nil {
		return nil, fmt.Errorf("%w: parent %d", ErrScopeNotFound, parentID)
	}
	if parent.IsEnded() {
		return nil, fmt.Errorf("%w: parent scope %d already ended", ErrPreconditionViolated, parentID)
	}
	wi.NextActivityInstanceID++
	ai := &ActivityInstance{
		ScopeInstance: ScopeInstance{
			ID:       wi.NextActivityInstanceID,
			ParentID: parentID,
			Start:    now,
			Vars:     initVariables(def.Variables),
		},
		ActivityID: def.ID,
		WorkState:  state,
	}
	parent.Children = append(parent.Children, ai.ID)
	wi.Activities[ai.ID] = ai
	return ai, nil
}

// PushWork appends an activity instance to the synchronous queue.
func (wi *WorkflowInstance) PushWork(id int64) {
	wi.Work = append(wi.Work, id)
}

// PopWork removes the oldest synchronous work item.
func (wi *WorkflowInstance) PopWork() (*ActivityInstance, bool) {
	for len(wi.Work) > 0 {
		id := wi.Work[0]
		wi.Work = wi.Work[1:]
		if ai, ok := wi.Activities[id]; ok {
			return ai, true
		}
	}
	return nil, false
}

// HasWork reports whether synchronous work is pending.
func (wi *WorkflowInstance) HasWork() bool { return len(wi.Work) > 0 }

// HasAsyncWork reports whether asynchronous work is pending.
func (wi *WorkflowInstance) HasAsyncWork() bool { return len(wi.AsyncWork) > 0 }

// TakeAsyncWork moves the asynchronous queue to the end of the synchronous one.
func (wi *WorkflowInstance) TakeAsyncWork() {
	wi.Work = append(wi.Work, wi.AsyncWork...)
	wi.AsyncWork = nil
}

// OpenChildren returns the children of a scope that have not ended, in creation order.
func (wi *WorkflowInstance) OpenChildren(scopeID int64) []*ActivityInstance {
	scope := wi.Scope(scopeID)
	if scope == nil {
		return nil
	}
	var open []*ActivityInstance
	for _, id := range scope.Children {
		if child := wi.Activities[id]; child != nil && !child.IsEnded() {
			open = append(open, child)
		}
	}
	return open
}

// HasOpenChildren reports whether any child of the scope has not ended.
func (wi *WorkflowInstance) HasOpenChildren(scopeID int64) bool {
	scope := wi.Scope(scopeID)
	if scope == nil {
		return false
	}
	for _, id := range scope.Children {
		if child := wi.Activities[id]; child != nil && !child.IsEnded() {
			return true
		}
	}
	return false
}

// Children returns every child activity instance of a scope in creation order.
func (wi *WorkflowInstance) Children(scopeID int64) []*ActivityInstance {
	scope := wi.Scope(scopeID)
	if scope == nil {
		return nil
	}
	children := make([]*ActivityInstance, 0, len(scope.Children))
	for _, id := range scope.Children {
		if child := wi.Activities[id]; child != nil {
			children = append(children, child)
		}
	}
	return children
}

// EndActivityInstance stamps the end of an activity instance and removes its
// timer jobs. Ending twice or with open children violates a precondition.
func (wi *WorkflowInstance) EndActivityInstance(ai *ActivityInstance, now time.Time) error {
	if ai.IsEnded() {
		return fmt.Errorf("%w: activity instance %d (%s) already ended", ErrPreconditionViolated, ai.ID, ai.ActivityID)
	}
	if wi.HasOpenChildren(ai.ID) {
		return fmt.Errorf("%w: activity instance %d (%s) has open children", ErrPreconditionViolated, ai.ID, ai.ActivityID)
	}
	end := now
	ai.End = &end
	ai.Duration = now.Sub(ai.Start)
	wi.RemoveTimerJobs(ai.ID)
	return nil
}

// End completes the workflow instance.
func (wi *WorkflowInstance) End(now time.Time) error {
	if wi.IsEnded() {
		return fmt.Errorf("%w: workflow instance %d already ended", ErrPreconditionViolated, wi.ID)
	}
	if wi.HasOpenChildren(RootScopeID) {
		return fmt.Errorf("%w: workflow instance %d has open activity instances", ErrPreconditionViolated, wi.ID)
	}
	end := now
	wi.Root.End = &end
	wi.Root.Duration = now.Sub(wi.Root.Start)
	wi.TimerJobs = nil
	return nil
}

// FindActivityInstance returns the activity instance with id anywhere in the tree.
func (wi *WorkflowInstance) FindActivityInstance(id int64) *ActivityInstance {
	var found *ActivityInstance
	wi.walk(RootScopeID, func(ai *ActivityInstance) bool {
		if ai.ID == id {
			found = ai
			return false
		}
		return true
	})
	return found
}

// FindByActivityDefinitionID returns, depth first, the activity instances of
// activityID in the subtree below scopeID.
func (wi *WorkflowInstance) FindByActivityDefinitionID(scopeID int64, activityID string) []*ActivityInstance {
	var found []*ActivityInstance
	wi.walk(scopeID, func(ai *ActivityInstance) bool {
		if ai.ActivityID == activityID {
			found = append(found, ai)
		}
		return true
	})
	return found
}

// walk visits the subtree depth first until fn returns false.
func (wi *WorkflowInstance) walk(scopeID int64, fn func(*ActivityInstance) bool) bool {
	scope := wi.Scope(scopeID)
	if scope == nil {
		return true
	}
	for _, id := range scope.Children {
		child := wi.Activities[id]
		if child == nil {
			continue
		}
		if !fn(child) || !wi.walk(child.ID, fn) {
			return false
		}
	}
	return true
}

// GetVariable finds the nearest variable instance named id, starting at scopeID
// and walking up the parent chain.
func (wi *WorkflowInstance) GetVariable(scopeID int64, id string) (*VariableInstance, bool) {
	for scope := wi.Scope(scopeID); scope != nil; scope = wi.parentScope(scope) {
		if v := scope.variable(id); v != nil {
			return v, true
		}
	}
	return nil, false
}

// SetVariableValue writes to the nearest scope declaring id and marks the
// chain from that scope upward as changed.
func (wi *WorkflowInstance) SetVariableValue(scopeID int64, id string, value datatype.TypedValue) error {
	for scope := wi.Scope(scopeID); scope != nil; scope = wi.parentScope(scope) {
		if v := scope.variable(id); v != nil {
			if value.Type == "" {
				value.Type = v.Value.Type
			}
			v.Value = value
			wi.markChanged(scope)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrVariableNotFound, id)
}

// CreateVariable adds an ad-hoc variable to a scope, or overwrites the scope's
// own variable of that name.
func (wi *WorkflowInstance) CreateVariable(scopeID int64, id string, value datatype.TypedValue) error {
	scope := wi.Scope(scopeID)
	if scope == nil {
		return fmt.Errorf("%w: %d", ErrScopeNotFound, scopeID)
	}
	if value.Type == "" {
		value.Type = datatype.Any
	}
	if v := scope.variable(id); v != nil {
		v.Value = value
	} else {
		scope.Vars = append(scope.Vars, &VariableInstance{ID: id, Value: value, AdHoc: true})
	}
	wi.markChanged(scope)
	return nil
}

// SetOrCreateVariable writes to the nearest declaring scope, falling back to an
// ad-hoc variable in fallbackScopeID.
func (wi *WorkflowInstance) SetOrCreateVariable(scopeID int64, id string, value datatype.TypedValue, fallbackScopeID int64) error {
	err := wi.SetVariableValue(scopeID, id, value)
	if errors.Is(err, ErrVariableNotFound) {
		return wi.CreateVariable(fallbackScopeID, id, value)
	}
	return err
}

func (wi *WorkflowInstance) markChanged(scope *ScopeInstance) {
	for s := scope; s != nil; s = wi.parentScope(s) {
		s.VariablesChanged = true
	}
}

func (wi *WorkflowInstance) parentScope(s *ScopeInstance) *ScopeInstance {
	if s.IsRoot() {
		return nil
	}
	return wi.Scope(s.ParentID)
}

// AddTimerJob schedules a timer job.
func (wi *WorkflowInstance) AddTimerJob(job *TimerJob) {
	wi.TimerJobs = append(wi.TimerJobs, job)
}

// RemoveTimerJobs drops the jobs owned by a scope.
func (wi *WorkflowInstance) RemoveTimerJobs(scopeID int64) {
	kept := wi.TimerJobs[:0]
	for _, job := range wi.TimerJobs {
		if job.ScopeInstanceID != scopeID {
			kept = append(kept, job)
		}
	}
	wi.TimerJobs = kept
}

// TakeDueTimerJobs removes and returns, in due order, the jobs due at now.
func (wi *WorkflowInstance) TakeDueTimerJobs(now time.Time) []*TimerJob {
	var due []*TimerJob
	kept := wi.TimerJobs[:0]
	for _, job := range wi.TimerJobs {
		if !job.DueAt.After(now) {
			due = append(due, job)
		} else {
			kept = append(kept, job)
		}
	}
	wi.TimerJobs = kept
	sortJobs(due)
	return due
}

func sortJobs(jobs []*TimerJob) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].DueAt.Before(jobs[j-1].DueAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

// Link restores invariants after decoding.
func (wi *WorkflowInstance) Link() {
	if wi.Activities == nil {
		wi.Activities = make(map[int64]*ActivityInstance)
	}
	wi.Root.ID = RootScopeID
	wi.Root.ParentID = noParent
}

// Clone returns a deep copy of the instance.
func (wi *WorkflowInstance) Clone() (*WorkflowInstance, error) {
	data, err := json.Marshal(wi)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow instance %d: %w", wi.ID, err)
	}
	var clone WorkflowInstance
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow instance %d: %w", wi.ID, err)
	}
	clone.Link()
	clone.LockToken = wi.LockToken
	return &clone, nil
}
