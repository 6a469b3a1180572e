package orchestration

import (
	"fmt"
	"sort"

	"github.com/itsneelabh/gosaga/core"
)

// ExecutionBatch is a group of steps the engine may run concurrently.
// Batches produced for conflicting steps carry a single step each.
type ExecutionBatch struct {
	Steps              []string `json:"steps"`
	Parallel           bool     `json:"parallel"`
	EstimatedLatencyMs int64    `json:"estimated_latency_ms"`
}

// PlanSummary describes the resolved shape of a plan.
type PlanSummary struct {
	TotalSteps         int   `json:"total_steps"`
	BatchCount         int   `json:"batch_count"`
	Depth              int   `json:"depth"`
	MaxParallelism     int   `json:"max_parallelism"`
	ConflictBatches    int   `json:"conflict_batches"`
	EstimatedLatencyMs int64 `json:"estimated_latency_ms"`
}

// ResolvedPlan is the resolver's output: ordered batches, the forward
// dependency graph, and a deterministic linear order that checkpoint
// indices refer to.
type ResolvedPlan struct {
	Batches    []ExecutionBatch    `json:"batches"`
	Dependents map[string][]string `json:"dependents"`
	Order      []string            `json:"order"`
	Summary    PlanSummary         `json:"summary"`
}

// ResolvePlan turns the plan DAG into ordered executable batches.
//
// Layers come from Kahn's algorithm: every iteration takes all steps
// whose remaining in-degree is zero. Within a layer, steps that write
// the same output key would race on the shared context slot, so each
// becomes its own sequential batch; the rest of the layer runs in
// parallel. All ordering ties break on plan position, making the result
// a pure function of the plan.
func ResolvePlan(plan *ExecutionPlan) (*ResolvedPlan, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, kindError("resolver.ResolvePlan", KindPlanValidationFailed, "",
			fmt.Errorf("plan has no steps: %w", core.ErrInvalidConfiguration))
	}

	planIndex := make(map[string]int, len(plan.Steps))
	steps := make(map[string]*PlanStep, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ID == "" {
			return nil, kindError("resolver.ResolvePlan", KindPlanValidationFailed, "",
				fmt.Errorf("step %d has no id", i))
		}
		if _, dup := planIndex[step.ID]; dup {
			return nil, kindError("resolver.ResolvePlan", KindPlanValidationFailed, step.ID,
				fmt.Errorf("duplicate step id %q", step.ID))
		}
		planIndex[step.ID] = i
		steps[step.ID] = step
	}

	dependents := make(map[string][]string, len(plan.Steps))
	inDegree := make(map[string]int, len(plan.Steps))
	for _, step := range plan.Steps {
		inDegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			if _, ok := steps[dep]; !ok {
				return nil, kindError("resolver.ResolvePlan", KindPlanValidationFailed, step.ID,
					fmt.Errorf("step %q depends on unknown step %q", step.ID, dep))
			}
			if dep == step.ID {
				return nil, kindError("resolver.ResolvePlan", KindPlanCircularDependency, step.ID,
					fmt.Errorf("step %q depends on itself: %w", step.ID, ErrPlanCircular))
			}
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}
	for dep := range dependents {
		sortByPlanOrder(dependents[dep], planIndex)
	}

	var layers [][]string
	frontier := make([]string, 0, len(plan.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sortByPlanOrder(frontier, planIndex)

	resolvedCount := 0
	for len(frontier) > 0 {
		layer := frontier
		layers = append(layers, layer)
		resolvedCount += len(layer)

		frontier = nil
		for _, id := range layer {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					frontier = append(frontier, dependent)
				}
			}
		}
		sortByPlanOrder(frontier, planIndex)
	}

	if resolvedCount < len(plan.Steps) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sortByPlanOrder(stuck, planIndex)
		return nil, kindError("resolver.ResolvePlan", KindPlanCircularDependency, "",
			fmt.Errorf("steps %v form a cycle: %w", stuck, ErrPlanCircular))
	}

	resolved := &ResolvedPlan{
		Dependents: dependents,
		Summary:    PlanSummary{TotalSteps: len(plan.Steps), Depth: len(layers)},
	}

	for _, layer := range layers {
		for _, batch := range partitionLayer(layer, steps) {
			est := int64(0)
			for _, id := range batch.Steps {
				if lat := steps[id].EstimatedLatencyMs; lat > est {
					est = lat
				}
			}
			batch.EstimatedLatencyMs = est

			resolved.Batches = append(resolved.Batches, batch)
			resolved.Order = append(resolved.Order, batch.Steps...)
			resolved.Summary.EstimatedLatencyMs += est
			if !batch.Parallel {
				resolved.Summary.ConflictBatches++
			}
			if len(batch.Steps) > resolved.Summary.MaxParallelism {
				resolved.Summary.MaxParallelism = len(batch.Steps)
			}
		}
	}
	resolved.Summary.BatchCount = len(resolved.Batches)

	return resolved, nil
}

// partitionLayer splits one Kahn layer into batches. Steps sharing a
// non-empty output key are serialized; everything else in the layer is
// one parallel batch. Batches are ordered by the plan position of their
// first member.
func partitionLayer(layer []string, steps map[string]*PlanStep) []ExecutionBatch {
	keyCount := make(map[string]int)
	for _, id := range layer {
		if key := steps[id].OutputKey; key != "" {
			keyCount[key]++
		}
	}

	var batches []ExecutionBatch
	var parallel []string
	for _, id := range layer {
		key := steps[id].OutputKey
		if key != "" && keyCount[key] > 1 {
			batches = append(batches, ExecutionBatch{Steps: []string{id}})
			continue
		}
		parallel = append(parallel, id)
	}
	if len(parallel) > 0 {
		batches = append(batches, ExecutionBatch{Steps: parallel, Parallel: true})
	}

	sort.SliceStable(batches, func(i, j int) bool {
		return indexOf(layer, batches[i].Steps[0]) < indexOf(layer, batches[j].Steps[0])
	})
	return batches
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return len(ids)
}

func sortByPlanOrder(ids []string, planIndex map[string]int) {
	sort.Slice(ids, func(i, j int) bool {
		return planIndex[ids[i]] < planIndex[ids[j]]
	})
}

// ReadySteps returns pending steps whose dependencies have all
// completed, in plan order. Skipped dependencies do not unblock their
// dependents; a skipped upstream means the downstream can never produce
// meaningful input.
func ReadySteps(e *Execution) []string {
	if e.Plan == nil {
		return nil
	}

	var ready []string
	for i := range e.Plan.Steps {
		step := &e.Plan.Steps[i]
		state := e.StepByID(step.ID)
		if state == nil || state.Status != StepPending {
			continue
		}

		blocked := false
		for _, dep := range step.DependsOn {
			depState := e.StepByID(dep)
			if depState == nil || depState.Status != StepCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, step.ID)
		}
	}
	return ready
}

// SelectBatch takes ready step ids (plan order) and returns up to max of
// them such that no two selected steps write the same output key. The
// conflicting tail stays ready for the next pass.
func SelectBatch(plan *ExecutionPlan, ready []string, max int) []string {
	if max <= 0 || len(ready) == 0 {
		return nil
	}

	byID := make(map[string]*PlanStep, len(plan.Steps))
	for i := range plan.Steps {
		byID[plan.Steps[i].ID] = &plan.Steps[i]
	}

	taken := make(map[string]bool)
	var batch []string
	for _, id := range ready {
		if len(batch) >= max {
			break
		}
		step := byID[id]
		if step == nil {
			continue
		}
		if key := step.OutputKey; key != "" {
			if taken[key] {
				continue
			}
			taken[key] = true
		}
		batch = append(batch, id)
	}
	return batch
}
