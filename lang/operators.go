package lang

// Kind is the wire tag of an op.
type Kind string

const (
	KindTrue           Kind = "true"
	KindFalse          Kind = "false"
	KindNot            Kind = "not"
	KindAnd            Kind = "and"
	KindOr             Kind = "or"
	KindXor            Kind = "xor"
	KindExistsVar      Kind = "exists_var"
	KindSetVar         Kind = "set_var"
	KindDeleteVar      Kind = "delete_var"
	KindBlock          Kind = "block"
	KindIf             Kind = "if"
	KindAssert         Kind = "assert"
	KindAbort          Kind = "abort"
	KindSelectConstant Kind = "select_constant"
	KindSelectOperator Kind = "select_operator"
	KindSelectVar      Kind = "select_var"
)

// ConstOp is the TrueOp/FalseOp constant operator.
type ConstOp struct {
	value bool
}

var (
	// TrueOp always evaluates to true.
	TrueOp = &ConstOp{value: true}
	// FalseOp always evaluates to false.
	FalseOp = &ConstOp{value: false}
)

func (o *ConstOp) Kind() Kind {
	if o.value {
		return KindTrue
	}
	return KindFalse
}

func (o *ConstOp) TypeName() string {
	if o.value {
		return "TrueOp"
	}
	return "FalseOp"
}

func (*ConstOp) isOperator() {}

func (o *ConstOp) PrepareOperator(_ Env, parentPath string) (Predicate, error) {
	return constPredicate{path: childPath(parentPath, o), value: o.value}, nil
}

type constPredicate struct {
	path  string
	value bool
}

func (p constPredicate) Path() string               { return p.path }
func (p constPredicate) Evaluate(Env) (bool, error) { return p.value, nil }

// NotOp negates its operand.
type NotOp struct {
	operand Operator
}

// NewNotOp builds a negation of operand.
func NewNotOp(operand Operator) (*NotOp, error) {
	if operand == nil {
		return nil, required("NotOp.operand")
	}
	return &NotOp{operand: operand}, nil
}

// Operand returns the negated operator.
func (o *NotOp) Operand() Operator { return o.operand }
func (o *NotOp) Kind() Kind        { return KindNot }
func (o *NotOp) TypeName() string  { return "NotOp" }
func (*NotOp) isOperator()         {}

func (o *NotOp) PrepareOperator(env Env, parentPath string) (Predicate, error) {
	path := childPath(parentPath, o)
	inner, err := o.operand.PrepareOperator(env, path)
	if err != nil {
		return nil, err
	}
	return &notPredicate{path: path, inner: inner}, nil
}

type notPredicate struct {
	path  string
	inner Predicate
}

func (p *notPredicate) Path() string { return p.path }

func (p *notPredicate) Evaluate(env Env) (bool, error) {
	v, err := p.inner.Evaluate(env)
	if err != nil {
		return false, err
	}
	return !v, nil
}

// BinaryOp combines two operands with a boolean connective. And and Or
// short-circuit; Xor evaluates both sides.
type BinaryOp struct {
	kind  Kind
	left  Operator
	right Operator
}

// NewAndOp builds left AND right.
func NewAndOp(left, right Operator) (*BinaryOp, error) {
	return newBinaryOp(KindAnd, left, right)
}

// NewOrOp builds left OR right.
func NewOrOp(left, right Operator) (*BinaryOp, error) {
	return newBinaryOp(KindOr, left, right)
}

// NewXorOp builds left XOR right.
func NewXorOp(left, right Operator) (*BinaryOp, error) {
	return newBinaryOp(KindXor, left, right)
}

func newBinaryOp(kind Kind, left, right Operator) (*BinaryOp, error) {
	op := &BinaryOp{kind: kind}
	if left == nil {
		return nil, required(op.TypeName() + ".left")
	}
	if right == nil {
		return nil, required(op.TypeName() + ".right")
	}
	op.left = left
	op.right = right
	return op, nil
}

func (o *BinaryOp) Left() Operator  { return o.left }
func (o *BinaryOp) Right() Operator { return o.right }
func (o *BinaryOp) Kind() Kind      { return o.kind }
func (*BinaryOp) isOperator()       {}

func (o *BinaryOp) TypeName() string {
	switch o.kind {
	case KindAnd:
		return "AndOp"
	case KindOr:
		return "OrOp"
	default:
		return "XorOp"
	}
}

func (o *BinaryOp) PrepareOperator(env Env, parentPath string) (Predicate, error) {
	path := childPath(parentPath, o)
	left, err := o.left.PrepareOperator(env, path)
	if err != nil {
		return nil, err
	}
	right, err := o.right.PrepareOperator(env, path)
	if err != nil {
		return nil, err
	}
	return &binaryPredicate{kind: o.kind, path: path, left: left, right: right}, nil
}

type binaryPredicate struct {
	kind  Kind
	path  string
	left  Predicate
	right Predicate
}

func (p *binaryPredicate) Path() string { return p.path }

func (p *binaryPredicate) Evaluate(env Env) (bool, error) {
	l, err := p.left.Evaluate(env)
	if err != nil {
		return false, err
	}
	switch p.kind {
	case KindAnd:
		if !l {
			return false, nil
		}
	case KindOr:
		if l {
			return true, nil
		}
	}
	r, err := p.right.Evaluate(env)
	if err != nil {
		return false, err
	}
	if p.kind == KindXor {
		return l != r, nil
	}
	return r, nil
}
