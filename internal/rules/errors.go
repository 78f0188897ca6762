package rules

import (
	"errors"
	"fmt"
)

// ConfigError marks a rule that cannot be evaluated as configured (unknown
// operator or operation, malformed path, bad regex or formula). The pipeline
// skips the rule and records the reason.
type ConfigError struct {
	RuleCode string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleCode, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LookupError is a record store failure (unreachable, timed out, rejected
// query). It is distinct from a miss and aborts the current rule.
type LookupError struct {
	Table string
	Err   error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup in %s failed: %v", e.Table, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// IsLookupFailure reports whether err is (or wraps) a LookupError.
func IsLookupFailure(err error) bool {
	var le *LookupError
	return errors.As(err, &le)
}

var errNoRecordStore = errors.New("no record store configured")
