package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/chat-relay/backend/internal/apperr"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	"github.com/zhouzirui/chat-relay/backend/internal/storage"
)

const (
	indexKey       = "workflow:index"
	instancePrefix = "workflow:"
)

// Func is a workflow body. It must route all side effects through step.
type Func func(ctx context.Context, step StepRunner, params json.RawMessage) (any, error)

// Option configures an Engine.
type Option func(*Engine)

// WithStepRetries retries a failing step up to n more times, waiting delay
// between attempts.
func WithStepRetries(n int, delay time.Duration) Option {
	return func(e *Engine) {
		e.retries = n
		e.retryDelay = delay
	}
}

// Engine runs workflow instances durably on a storage.Store.
type Engine struct {
	kv   storage.Store
	base context.Context
	log  observability.Logger

	retries    int
	retryDelay time.Duration

	mu        sync.Mutex
	workflows map[string]Func
	active    map[string]struct{}
	wg        sync.WaitGroup
}

// NewEngine creates an engine whose instances run under base. Cancelling
// base interrupts running instances and leaves them resumable.
func NewEngine(base context.Context, kv storage.Store, logger observability.Logger, opts ...Option) *Engine {
	e := &Engine{
		kv:        kv,
		base:      base,
		log:       observability.Component(logger, "workflow"),
		workflows: make(map[string]Func),
		active:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register binds name to fn. It must be called before Create or Resume.
func (e *Engine) Register(name string, fn Func) {
	e.mu.Lock()
	e.workflows[name] = fn
	e.mu.Unlock()
}

// Create persists a new instance of workflow name and starts it in the
// background.
func (e *Engine) Create(ctx context.Context, name string, params any) (Instance, error) {
	e.mu.Lock()
	fn, ok := e.workflows[name]
	e.mu.Unlock()
	if !ok {
		return Instance{}, fmt.Errorf("workflow %q is not registered: %w", name, apperr.ErrInternal)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return Instance{}, fmt.Errorf("encode params: %w", err)
	}

	now := time.Now().UTC()
	inst := Instance{
		ID:        uuid.NewString(),
		Workflow:  name,
		Params:    raw,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.saveInstance(ctx, inst); err != nil {
		return Instance{}, err
	}
	if err := e.updateIndex(ctx, func(ids []string) []string { return append(ids, inst.ID) }); err != nil {
		return Instance{}, err
	}

	e.launch(inst, fn)
	e.log.Infof("created instance=%s workflow=%s", inst.ID, name)
	return inst, nil
}

// Status returns the stored record of instance id.
func (e *Engine) Status(ctx context.Context, id string) (Instance, error) {
	raw, ok, err := e.kv.Get(ctx, instanceKey(id))
	if err != nil {
		return Instance{}, fmt.Errorf("load instance %s: %w: %w", id, err, apperr.ErrUpstream)
	}
	if !ok {
		return Instance{}, fmt.Errorf("workflow instance %s: %w", id, apperr.ErrNotFound)
	}

	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return Instance{}, fmt.Errorf("decode instance %s: %w: %w", id, err, apperr.ErrInternal)
	}
	return inst, nil
}

// Resume restarts every unfinished instance found in storage and returns how
// many were started.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ids, err := e.loadIndex(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		inst, err := e.Status(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				e.log.Warnf("dropping unknown instance=%s from index", id)
				e.pruneIndex(ctx, id)
				continue
			}
			return resumed, err
		}
		if inst.Status.Terminal() {
			e.pruneIndex(ctx, id)
			continue
		}

		e.mu.Lock()
		fn, ok := e.workflows[inst.Workflow]
		e.mu.Unlock()
		if !ok {
			e.log.Warnf("cannot resume instance=%s: workflow %s not registered", id, inst.Workflow)
			continue
		}

		if e.launch(inst, fn) {
			resumed++
			e.log.Infof("resuming instance=%s workflow=%s", id, inst.Workflow)
		}
	}
	return resumed, nil
}

// Wait blocks until every instance started by this engine has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) launch(inst Instance, fn Func) bool {
	e.mu.Lock()
	if _, running := e.active[inst.ID]; running {
		e.mu.Unlock()
		return false
	}
	e.active[inst.ID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, inst.ID)
			e.mu.Unlock()
		}()
		e.run(inst, fn)
	}()
	return true
}

func (e *Engine) run(inst Instance, fn Func) {
	ctx := e.base
	log := e.log.WithFields(map[string]interface{}{"instance": inst.ID})

	inst.Status = StatusRunning
	inst.UpdatedAt = time.Now().UTC()
	if err := e.saveInstance(ctx, inst); err != nil {
		log.WithErr(err).Errorf("failed to mark instance running")
		return
	}

	steps, err := e.loadSteps(ctx, inst.ID)
	if err != nil {
		log.WithErr(err).Errorf("failed to load step log")
		return
	}

	runner := &durableRunner{engine: e, instanceID: inst.ID, steps: steps, log: log}
	output, runErr := e.invoke(ctx, fn, runner, inst.Params)

	if ctx.Err() != nil {
		log.Warnf("interrupted after %d completed steps; will resume on next start", len(runner.steps.Steps))
		return
	}

	inst.UpdatedAt = time.Now().UTC()
	if runErr != nil {
		inst.Status = StatusErrored
		inst.Error = runErr.Error()
		log.WithErr(runErr).Warnf("instance errored")
	} else {
		raw, err := json.Marshal(output)
		if err != nil {
			inst.Status = StatusErrored
			inst.Error = fmt.Sprintf("encode output: %v", err)
		} else {
			inst.Status = StatusComplete
			inst.Output = raw
		}
	}

	if err := e.saveInstance(ctx, inst); err != nil {
		log.WithErr(err).Errorf("failed to persist final status")
		return
	}
	if err := e.updateIndex(ctx, func(ids []string) []string { return without(ids, inst.ID) }); err != nil {
		log.WithErr(err).Errorf("failed to update index")
	}
	log.Infof("instance finished with status=%s", inst.Status)
}

func (e *Engine) invoke(ctx context.Context, fn Func, runner StepRunner, params json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return fn(ctx, runner, params)
}

// durableRunner replays steps found in the log and records new ones.
type durableRunner struct {
	engine     *Engine
	instanceID string
	steps      *stepLog
	log        observability.Logger
}

func (r *durableRunner) Do(ctx context.Context, name string, fn StepFunc) ([]byte, error) {
	if out, ok := r.steps.lookup(name); ok {
		r.log.Debugf("replaying step %q", name)
		return out, nil
	}

	var (
		out []byte
		err error
	)
	for attempt := 0; attempt <= r.engine.retries; attempt++ {
		if attempt > 0 {
			r.log.Warnf("retrying step %q (attempt %d)", name, attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.engine.retryDelay):
			}
		}
		out, err = fn(ctx)
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	r.steps.Steps = append(r.steps.Steps, stepRecord{Name: name, Output: out, CompletedAt: time.Now().UTC()})
	if err := r.engine.saveSteps(ctx, r.instanceID, r.steps); err != nil {
		return nil, err
	}
	r.log.Debugf("completed step %q", name)
	return out, nil
}

func (e *Engine) saveInstance(ctx context.Context, inst Instance) error {
	raw, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	if err := e.kv.Put(ctx, instanceKey(inst.ID), raw); err != nil {
		return fmt.Errorf("save instance %s: %w: %w", inst.ID, err, apperr.ErrUpstream)
	}
	return nil
}

func (e *Engine) loadSteps(ctx context.Context, id string) (*stepLog, error) {
	raw, ok, err := e.kv.Get(ctx, stepsKey(id))
	if err != nil {
		return nil, fmt.Errorf("load steps %s: %w: %w", id, err, apperr.ErrUpstream)
	}
	steps := &stepLog{}
	if !ok {
		return steps, nil
	}
	if err := json.Unmarshal(raw, steps); err != nil {
		return nil, fmt.Errorf("decode steps %s: %w", id, err)
	}
	return steps, nil
}

func (e *Engine) saveSteps(ctx context.Context, id string, steps *stepLog) error {
	raw, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	if err := e.kv.Put(ctx, stepsKey(id), raw); err != nil {
		return fmt.Errorf("save steps %s: %w: %w", id, err, apperr.ErrUpstream)
	}
	return nil
}

func (e *Engine) loadIndex(ctx context.Context) ([]string, error) {
	raw, ok, err := e.kv.Get(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("load workflow index: %w: %w", err, apperr.ErrUpstream)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode workflow index: %w", err)
	}
	return ids, nil
}

// updateIndex applies mutate to the list of unfinished instance ids.
func (e *Engine) updateIndex(ctx context.Context, mutate func([]string) []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.loadIndex(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(mutate(ids))
	if err != nil {
		return fmt.Errorf("encode workflow index: %w", err)
	}
	if err := e.kv.Put(ctx, indexKey, raw); err != nil {
		return fmt.Errorf("save workflow index: %w: %w", err, apperr.ErrUpstream)
	}
	return nil
}

// pruneIndex removes id from the index. A failure only leaves a stale entry
// behind, which the next Resume skips again.
func (e *Engine) pruneIndex(ctx context.Context, id string) {
	if err := e.updateIndex(ctx, func(ids []string) []string { return without(ids, id) }); err != nil {
		e.log.WithErr(err).Warnf("failed to prune instance=%s from index", id)
	}
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func instanceKey(id string) string { return instancePrefix + id }
func stepsKey(id string) string    { return instancePrefix + id + ":steps" }
