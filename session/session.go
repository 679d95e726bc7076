// Package session drives the evaluator, marker, shrinker and variable
// optimizer over whole programs.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/config"
	"github.com/chazu/pare/eval"
	"github.com/chazu/pare/invoke"
	"github.com/chazu/pare/marker"
	"github.com/chazu/pare/shrink"
)

var log = commonlog.GetLogger("pare.session")

// Options carries the hooks a session passes to the shrinker.
type Options struct {
	Deleted classfile.InstructionFunc
	Added   classfile.InstructionFunc
}

// Session owns the value store and the pipeline stages for one run.
type Session struct {
	id        uuid.UUID
	cfg       *config.Config
	classPath classfile.ClassPath

	memory *invoke.MemoryStore
	sqlite *invoke.SQLiteStore

	// collector records values without using them; nil without propagation
	collector *eval.Evaluator
	tracing   *invoke.Tracing
	marker    *marker.Marker
	shrinker  *shrink.Shrinker
	variables *shrink.VariableOptimizer
}

// New creates a session. With propagation on it opens the configured store
// and restores the value snapshot, if one exists.
func New(ctx context.Context, cfg *config.Config, classPath classfile.ClassPath, opts Options) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:        uuid.New(),
		cfg:       cfg,
		classPath: classPath,
		shrinker:  shrink.NewShrinker(shrink.ShrinkConfig{Deleted: opts.Deleted, Added: opts.Added}),
		variables: shrink.NewVariableOptimizer(shrink.VariableConfig{MergeThis: cfg.Shrink.MergeThis}),
	}

	var unit invoke.Unit = invoke.Basic{}
	if cfg.Analysis.Propagate {
		store, err := s.openStore(ctx)
		if err != nil {
			return nil, err
		}
		collect := invoke.AllValues
		collect.Load = false
		s.collector = s.evaluator(invoke.NewStoring(store, collect))
		use := invoke.AllValues
		use.Overridable = func(m classfile.MethodRef) bool {
			return classfile.Overridable(classPath, m)
		}
		unit = invoke.NewStoring(store, use)
	}
	s.tracing = invoke.NewTracing(unit)
	s.marker = marker.New(marker.Config{
		Evaluator:    s.evaluator(s.tracing),
		Conservative: cfg.Analysis.Conservative,
	})
	log.Infof("session %s: propagate=%t conservative=%t workers=%d passes=%d",
		s.id, cfg.Analysis.Propagate, cfg.Analysis.Conservative, cfg.Run.Workers, cfg.Run.Passes)
	return s, nil
}

func (s *Session) evaluator(unit invoke.Unit) *eval.Evaluator {
	ec := eval.Config{
		Unit:      unit,
		ClassPath: s.classPath,
		MaxVisits: s.cfg.Analysis.MaxVisits,
	}
	if len(s.cfg.Analysis.PureMethods) > 0 {
		ec.Pure = s.cfg.Analysis.IsPure
	}
	return eval.New(ec)
}

func (s *Session) openStore(ctx context.Context) (invoke.Store, error) {
	if s.cfg.Store.Kind == config.StoreSQLite {
		store, err := invoke.OpenSQLite(ctx, s.cfg.StorePath())
		if err != nil {
			return nil, err
		}
		s.sqlite = store
		return store, nil
	}

	s.memory = invoke.NewMemoryStore()
	path := s.cfg.SnapshotPath()
	if path == "" {
		return s.memory, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.memory, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	from, err := s.memory.Restore(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("restoring %s: %w", path, err)
	}
	log.Infof("restored %d values from session %s", s.memory.Len(), from)
	return s.memory, nil
}

// ID returns the session identity.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Store returns the value store, or nil without propagation.
func (s *Session) Store() invoke.Store {
	switch {
	case s.sqlite != nil:
		return s.sqlite
	case s.memory != nil:
		return s.memory
	}
	return nil
}

// SaveSnapshot writes the values of the memory store to path.
func (s *Session) SaveSnapshot(path string) error {
	if s.memory == nil {
		return fmt.Errorf("session %s has no memory store", s.id)
	}
	data, err := s.memory.Snapshot(s.id)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Close saves the configured snapshot and closes the store.
func (s *Session) Close() error {
	var errs []error
	if path := s.cfg.SnapshotPath(); path != "" && s.memory != nil {
		errs = append(errs, s.SaveSnapshot(path))
	}
	if s.sqlite != nil {
		errs = append(errs, s.sqlite.Close())
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// Outcome is the result of processing one method.
type Outcome struct {
	Class  string
	Method string

	// Code is the rewritten code, or the original when nothing changed.
	Code *classfile.Code

	// Skipped is set when the method was left untouched because it could
	// not be analysed; Cause holds the diagnostic.
	Skipped bool
	Cause   error

	// Err is set when rewriting failed; the method is left untouched.
	Err error

	Shrink    shrink.Stats
	Variables shrink.VariableStats

	// ReturnedParameter is the parameter every return hands back
	// unchanged, or -1.
	ReturnedParameter int
}

// Changed reports whether the method got new code.
func (o Outcome) Changed(m *classfile.Method) bool {
	return o.Code != nil && o.Code != m.Code
}

// ProcessMethod evaluates, marks and rewrites one method. The method itself
// is not modified.
func (s *Session) ProcessMethod(ctx context.Context, c *classfile.Class, m *classfile.Method) Outcome {
	out := Outcome{Class: c.Name, Method: m.Name + m.Descriptor, Code: m.Code, ReturnedParameter: -1}
	if m.Code == nil {
		out.Skipped = true
		return out
	}
	marks, err := s.marker.Process(ctx, c, m)
	if err != nil {
		log.Warningf("%s.%s: left unchanged: %s", out.Class, out.Method, err)
		out.Skipped, out.Cause = true, err
		return out
	}
	out.ReturnedParameter = s.returnedParameter(c, m, marks.Result())

	code, stats, err := s.shrinker.Shrink(c, m, marks)
	if err != nil {
		log.Errorf("%s.%s: %s", out.Class, out.Method, err)
		out.Err = err
		return out
	}
	out.Shrink = stats

	if s.cfg.Shrink.Variables {
		shrunk := *m
		shrunk.Code = code
		code, out.Variables, err = s.variables.Optimize(c, &shrunk)
		if err != nil {
			log.Errorf("%s.%s: %s", out.Class, out.Method, err)
			out.Err = err
			return out
		}
	}
	out.Code = code
	return out
}

// returnedParameter finds the parameter that every reachable return of m
// hands back.
func (s *Session) returnedParameter(c *classfile.Class, m *classfile.Method, res *eval.Result) int {
	params, _, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil || len(params) == 0 {
		return -1
	}
	ref := m.Ref(c.Name)
	found := -1
	for _, in := range res.Instructions() {
		if in.Kind() != classfile.KindReturn || !res.Reached(in.Offset) {
			continue
		}
		if in.Op == classfile.OpReturn {
			return -1
		}
		top, ok := res.StackTop(in.Offset, 0)
		if !ok {
			return -1
		}
		// A wide value is its placeholder above the value cell.
		if top.Value.IsTop() {
			if top, ok = res.StackTop(in.Offset, 1); !ok {
				return -1
			}
		}
		index := -1
		for k := range params {
			if s.tracing.IsParameter(top.Value, ref, k) {
				index = k
				break
			}
		}
		if index < 0 || (found >= 0 && found != index) {
			return -1
		}
		found = index
	}
	return found
}

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

// Summary totals the outcomes of a run.
type Summary struct {
	Methods  int
	Changed  int
	Skipped  int
	Failed   int
	Removed  int // instructions removed or replaced
	Outcomes []Outcome
}

type job struct {
	class  *classfile.Class
	method *classfile.Method
}

func jobs(classes []*classfile.Class) []job {
	var out []job
	for _, c := range classes {
		for _, m := range c.Methods {
			if m.Code != nil {
				out = append(out, job{class: c, method: m})
			}
		}
	}
	return out
}

// forEach runs f over all jobs with the configured number of workers. It
// stops early only when ctx is cancelled.
func (s *Session) forEach(ctx context.Context, work []job, f func(ctx context.Context, i int, j job)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Run.Workers)
	for i, j := range work {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f(gctx, i, j)
			return nil
		})
	}
	return g.Wait()
}

// collect evaluates every method once so the store holds the values of all
// call sites and field writes before any method is rewritten with them.
func (s *Session) collect(ctx context.Context, work []job) error {
	return s.forEach(ctx, work, func(ctx context.Context, _ int, j job) {
		if _, err := s.collector.Evaluate(ctx, j.class, j.method); err != nil {
			log.Debugf("%s.%s%s: not collected: %s", j.class.Name, j.method.Name, j.method.Descriptor, err)
		}
	})
}

// ProcessClasses runs the configured number of passes over every method of
// classes and installs the rewritten code. Methods are processed
// concurrently; each pass installs its results after all methods are done.
func (s *Session) ProcessClasses(ctx context.Context, classes []*classfile.Class) (Summary, error) {
	work := jobs(classes)
	var sum Summary
	for pass := 1; pass <= s.cfg.Run.Passes; pass++ {
		if s.collector != nil {
			if err := s.collect(ctx, work); err != nil {
				return sum, err
			}
		}
		outcomes := make([]Outcome, len(work))
		err := s.forEach(ctx, work, func(ctx context.Context, i int, j job) {
			outcomes[i] = s.ProcessMethod(ctx, j.class, j.method)
		})
		if err != nil {
			return sum, err
		}

		sum = Summary{Methods: len(work), Outcomes: outcomes}
		for i, o := range outcomes {
			m := work[i].method
			switch {
			case o.Skipped:
				sum.Skipped++
			case o.Err != nil:
				sum.Failed++
			case o.Changed(m):
				sum.Changed++
				sum.Removed += o.Shrink.Removed + o.Shrink.Replaced
				m.Code = o.Code
			}
		}
		log.Infof("pass %d: %d methods, %d changed, %d skipped, %d failed",
			pass, sum.Methods, sum.Changed, sum.Skipped, sum.Failed)
		if sum.Changed == 0 {
			break
		}
	}
	return sum, nil
}
