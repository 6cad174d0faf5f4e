package lang

import (
	"testing"

	"pkt.systems/lockgov/api"
)

type abortingOperator struct{}

func (*abortingOperator) Kind() Kind       { return KindTrue }
func (*abortingOperator) TypeName() string { return "AbortingOp" }
func (*abortingOperator) isOperator()      {}

func (o *abortingOperator) PrepareOperator(_ Env, parentPath string) (Predicate, error) {
	path := childPath(parentPath, o)
	return &stepPredicate{path: path, fn: func(env Env) (bool, error) {
		env.Abort(path)
		return true, nil
	}}, nil
}

type stepPredicate struct {
	path string
	fn   func(Env) (bool, error)
}

func (p *stepPredicate) Path() string                   { return p.path }
func (p *stepPredicate) Evaluate(env Env) (bool, error) { return p.fn(env) }

type bagEnv struct {
	aborted   bool
	abortPath string
	data      map[string]any
}

func (e *bagEnv) Session() api.LockSessionID { return api.LockSessionID{Host: "h"} }
func (e *bagEnv) Aborted() bool              { return e.aborted }
func (e *bagEnv) AddData(name string, v any) { e.data[name] = v }
func (e *bagEnv) Table(string) (Table, error) {
	return nil, nil
}

func (e *bagEnv) Abort(path string) {
	if !e.aborted {
		e.aborted = true
		e.abortPath = path
	}
}

func TestSelectOperatorValueSkipsWhenAbortedDuringEvaluation(t *testing.T) {
	env := &bagEnv{data: map[string]any{}}
	sel, err := NewSelectOperatorValueOp("x", &abortingOperator{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	step, err := sel.PrepareStatement(env, RootPath)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := step.Execute(env); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !env.aborted || env.abortPath != "Root/SelectOperatorValueOp/AbortingOp/" {
		t.Fatalf("unexpected abort state %v %q", env.aborted, env.abortPath)
	}
	if _, ok := env.data["x"]; ok {
		t.Fatal("select stored a value after abort")
	}
}

func TestBinaryOperatorsShortCircuit(t *testing.T) {
	env := &bagEnv{data: map[string]any{}}
	boom := &abortingOperator{}
	and, _ := NewAndOp(FalseOp, boom)
	or, _ := NewOrOp(TrueOp, boom)
	xor, _ := NewXorOp(TrueOp, FalseOp)
	for name, op := range map[string]Operator{"and": and, "or": or, "xor": xor} {
		pred, err := op.PrepareOperator(env, RootPath)
		if err != nil {
			t.Fatalf("prepare %s: %v", name, err)
		}
		v, err := pred.Evaluate(env)
		if err != nil {
			t.Fatalf("evaluate %s: %v", name, err)
		}
		env.data[name] = v
	}
	if env.aborted {
		t.Fatal("short-circuit evaluated the right operand")
	}
	if env.data["and"] != false || env.data["or"] != true || env.data["xor"] != true {
		t.Fatalf("unexpected results %#v", env.data)
	}
}
