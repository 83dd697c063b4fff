// Package segment evaluates declarative player-segment criteria against
// per-player attribute snapshots.
package segment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedCriteria is wrapped by every decode error.
var ErrMalformedCriteria = errors.New("malformed segment criteria")

// Op is a leaf comparison operator.
type Op string

const (
	OpEq      Op = "="
	OpNe      Op = "!="
	OpLt      Op = "<"
	OpLe      Op = "<="
	OpGt      Op = ">"
	OpGe      Op = ">="
	OpIn      Op = "in"
	OpBetween Op = "between"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn, OpBetween:
		return true
	}
	return false
}

// Criteria is a node of the criteria tree: And, Or, Not or Leaf.
type Criteria interface {
	node()
}

// And holds when every child holds. An empty And is true.
type And struct {
	Children []Criteria
}

// Or holds when any child holds. An empty Or is false.
type Or struct {
	Children []Criteria
}

// Not negates its child.
type Not struct {
	Child Criteria
}

// Leaf compares one snapshot field with a literal. Value holds the decoded
// JSON literal: float64, string, bool or []any.
type Leaf struct {
	Field string
	Op    Op
	Value any
}

func (And) node()  {}
func (Or) node()   {}
func (Not) node()  {}
func (Leaf) node() {}

// Parse decodes a criteria document.
func Parse(data []byte) (Criteria, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedCriteria)
	}
	return parseNode(data)
}

func parseNode(data json.RawMessage) (Criteria, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCriteria, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: node must be an object", ErrMalformedCriteria)
	}

	if raw, ok := obj["and"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf("%w: \"and\" node has extra keys", ErrMalformedCriteria)
		}
		children, err := parseChildren(raw)
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil
	}
	if raw, ok := obj["or"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf("%w: \"or\" node has extra keys", ErrMalformedCriteria)
		}
		children, err := parseChildren(raw)
		if err != nil {
			return nil, err
		}
		return Or{Children: children}, nil
	}
	if raw, ok := obj["not"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf("%w: \"not\" node has extra keys", ErrMalformedCriteria)
		}
		child, err := parseNode(raw)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	}
	return parseLeaf(obj)
}

func parseChildren(raw json.RawMessage) ([]Criteria, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: children must be an array", ErrMalformedCriteria)
	}
	children := make([]Criteria, 0, len(items))
	for _, item := range items {
		c, err := parseNode(item)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, nil
}

func parseLeaf(obj map[string]json.RawMessage) (Criteria, error) {
	if len(obj) != 3 {
		return nil, fmt.Errorf("%w: leaf needs exactly field, op and value", ErrMalformedCriteria)
	}
	var leaf Leaf
	var op string
	if err := json.Unmarshal(obj["field"], &leaf.Field); err != nil || leaf.Field == "" {
		return nil, fmt.Errorf("%w: leaf field must be a non-empty string", ErrMalformedCriteria)
	}
	if err := json.Unmarshal(obj["op"], &op); err != nil {
		return nil, fmt.Errorf("%w: leaf op must be a string", ErrMalformedCriteria)
	}
	leaf.Op = Op(op)
	if !leaf.Op.valid() {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrMalformedCriteria, op)
	}
	raw, ok := obj["value"]
	if !ok {
		return nil, fmt.Errorf("%w: leaf value is required", ErrMalformedCriteria)
	}
	if err := json.Unmarshal(raw, &leaf.Value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCriteria, err)
	}

	switch leaf.Op {
	case OpIn:
		if _, ok := leaf.Value.([]any); !ok {
			return nil, fmt.Errorf("%w: \"in\" needs an array value", ErrMalformedCriteria)
		}
	case OpBetween:
		if list, ok := leaf.Value.([]any); !ok || len(list) != 2 {
			return nil, fmt.Errorf("%w: \"between\" needs a two-element array", ErrMalformedCriteria)
		}
	}
	return leaf, nil
}

// Marshal encodes c back into its JSON form.
func Marshal(c Criteria) ([]byte, error) {
	return json.Marshal(toJSON(c))
}

func toJSON(c Criteria) any {
	switch n := c.(type) {
	case And:
		return map[string]any{"and": childrenJSON(n.Children)}
	case Or:
		return map[string]any{"or": childrenJSON(n.Children)}
	case Not:
		return map[string]any{"not": toJSON(n.Child)}
	case Leaf:
		return map[string]any{"field": n.Field, "op": string(n.Op), "value": n.Value}
	}
	return nil
}

func childrenJSON(children []Criteria) []any {
	out := make([]any, len(children))
	for i, c := range children {
		out[i] = toJSON(c)
	}
	return out
}
