// Package jq evaluates jq expressions against JSON documents using gojq.
// The control-the-payload mapping format uses jq programs for predicates,
// field templates and report templates, so jq compatibility is the contract.
//
// Evaluation is deliberately forgiving: a parse, compile or runtime error
// yields a null result and a warning log. A broken expression in one mapping
// field must never abort processing of the event.
package jq

import (
	"log/slog"
	"time"

	"github.com/itchyny/gojq"
	"github.com/port-labs/port-agent/internal/cache"
)

// programTTL keeps compiled programs hot for the process lifetime in
// practice; mappings are loaded once and expressions repeat per event.
const programTTL = time.Hour

// Evaluator compiles and runs jq expressions with a compiled-program cache.
type Evaluator struct {
	programs *cache.Cache[string, *gojq.Code]
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{
		programs: cache.New[string, *gojq.Code](cache.Options{TTL: programTTL}),
	}
}

// First evaluates the expression against doc and returns the first result.
// Returns (nil, false) when the expression fails to parse, compile or run —
// the error is logged at warning level and swallowed.
func (e *Evaluator) First(expr string, doc any) (any, bool) {
	code, err := e.compile(expr)
	if err != nil {
		slog.Warn("jq error", "expression", expr, "error", err)
		return nil, false
	}

	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		// Empty result stream (e.g. `empty`).
		return nil, true
	}
	if runErr, isErr := v.(error); isErr {
		slog.Warn("jq error", "expression", expr, "error", runErr)
		return nil, false
	}
	return v, true
}

// BoolValue evaluates the expression and reports whether the first result
// is boolean true. Used for mapping `enabled` predicates.
func (e *Evaluator) BoolValue(expr string, doc any) bool {
	v, ok := e.First(expr, doc)
	if !ok {
		return false
	}
	b, isBool := v.(bool)
	return isBool && b
}

func (e *Evaluator) compile(expr string) (*gojq.Code, error) {
	if code, ok := e.programs.Get(expr); ok {
		return code, nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}
	e.programs.Set(expr, code)
	return code, nil
}
