package lang

// BlockOp runs child statements in order. Each child is skipped once the
// pass is aborted.
type BlockOp struct {
	statements []Statement
}

// NewBlockOp builds a block of one or more statements.
func NewBlockOp(statements ...Statement) (*BlockOp, error) {
	if len(statements) == 0 {
		return nil, required("BlockOp.statements")
	}
	for _, st := range statements {
		if st == nil {
			return nil, argError("BlockOp.statements", "must not contain nil")
		}
	}
	return &BlockOp{statements: append([]Statement(nil), statements...)}, nil
}

// Statements returns a copy of the block's children.
func (o *BlockOp) Statements() []Statement { return append([]Statement(nil), o.statements...) }
func (o *BlockOp) Kind() Kind              { return KindBlock }
func (o *BlockOp) TypeName() string        { return "BlockOp" }
func (*BlockOp) isStatement()              {}

func (o *BlockOp) PrepareStatement(env Env, parentPath string) (Step, error) {
	path := childPath(parentPath, o)
	steps := make([]Step, 0, len(o.statements))
	for _, st := range o.statements {
		step, err := st.PrepareStatement(env, path)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return &blockStep{path: path, steps: steps}, nil
}

type blockStep struct {
	path  string
	steps []Step
}

func (s *blockStep) Path() string { return s.path }

func (s *blockStep) Execute(env Env) error {
	for _, step := range s.steps {
		if env.Aborted() {
			return nil
		}
		if err := step.Execute(env); err != nil {
			return err
		}
	}
	return nil
}

// IfOp runs Then when the condition holds and Else (optional) otherwise.
type IfOp struct {
	condition Operator
	then      Statement
	otherwise Statement
}

// NewIfOp builds a conditional. otherwise may be nil.
func NewIfOp(condition Operator, then Statement, otherwise Statement) (*IfOp, error) {
	if condition == nil {
		return nil, required("IfOp.condition")
	}
	if then == nil {
		return nil, required("IfOp.then")
	}
	return &IfOp{condition: condition, then: then, otherwise: otherwise}, nil
}

func (o *IfOp) Condition() Operator { return o.condition }
func (o *IfOp) Then() Statement     { return o.then }
func (o *IfOp) Else() Statement     { return o.otherwise }
func (o *IfOp) Kind() Kind          { return KindIf }
func (o *IfOp) TypeName() string    { return "IfOp" }
func (*IfOp) isStatement()          {}

func (o *IfOp) PrepareStatement(env Env, parentPath string) (Step, error) {
	path := childPath(parentPath, o)
	cond, err := o.condition.PrepareOperator(env, path)
	if err != nil {
		return nil, err
	}
	then, err := o.then.PrepareStatement(env, path)
	if err != nil {
		return nil, err
	}
	step := &ifStep{path: path, cond: cond, then: then}
	if o.otherwise != nil {
		if step.otherwise, err = o.otherwise.PrepareStatement(env, path); err != nil {
			return nil, err
		}
	}
	return step, nil
}

type ifStep struct {
	path      string
	cond      Predicate
	then      Step
	otherwise Step
}

func (s *ifStep) Path() string { return s.path }

func (s *ifStep) Execute(env Env) error {
	ok, err := s.cond.Evaluate(env)
	if err != nil {
		return err
	}
	if env.Aborted() {
		return nil
	}
	if ok {
		return s.then.Execute(env)
	}
	if s.otherwise != nil {
		return s.otherwise.Execute(env)
	}
	return nil
}

// AssertOp aborts the pass when its operator evaluates to false.
type AssertOp struct {
	operator Operator
}

// NewAssertOp builds an assertion over operator.
func NewAssertOp(operator Operator) (*AssertOp, error) {
	if operator == nil {
		return nil, required("AssertOp.operator")
	}
	return &AssertOp{operator: operator}, nil
}

func (o *AssertOp) Operator() Operator { return o.operator }
func (o *AssertOp) Kind() Kind         { return KindAssert }
func (o *AssertOp) TypeName() string   { return "AssertOp" }
func (*AssertOp) isStatement()         {}

func (o *AssertOp) PrepareStatement(env Env, parentPath string) (Step, error) {
	path := childPath(parentPath, o)
	pred, err := o.operator.PrepareOperator(env, path)
	if err != nil {
		return nil, err
	}
	return &assertStep{path: path, pred: pred}, nil
}

type assertStep struct {
	path string
	pred Predicate
}

func (s *assertStep) Path() string { return s.path }

func (s *assertStep) Execute(env Env) error {
	ok, err := s.pred.Evaluate(env)
	if err != nil {
		return err
	}
	if !ok {
		env.Abort(s.path)
	}
	return nil
}

// AbortOp aborts the pass unconditionally.
type AbortOp struct{}

// NewAbortOp builds an unconditional abort.
func NewAbortOp() *AbortOp { return &AbortOp{} }

func (o *AbortOp) Kind() Kind       { return KindAbort }
func (o *AbortOp) TypeName() string { return "AbortOp" }
func (*AbortOp) isStatement()       {}

func (o *AbortOp) PrepareStatement(_ Env, parentPath string) (Step, error) {
	return abortStep{path: childPath(parentPath, o)}, nil
}

type abortStep struct {
	path string
}

func (s abortStep) Path() string { return s.path }

func (s abortStep) Execute(env Env) error {
	env.Abort(s.path)
	return nil
}
