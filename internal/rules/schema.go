// internal/rules/schema.go
package rules

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

/*
 * Structural schema for stored rule configuration.
 *
 * Stores call ValidateConfiguration before writing a rule or link override
 * so authoring mistakes are rejected at the door with a path-qualified CUE
 * error. Compile still performs the full semantic checks (regex syntax,
 * formula syntax, identifiers) when the rule is evaluated.
 *
 * A fresh cue.Context is built per call: contexts are not safe for
 * concurrent use and validation only happens on writes.
 */

const configurationSchema = `
#Operator: "EQUALS" | "NOT_EQUALS" | "IN" | "CONTAINS" | "REGEX" |
	"IS_NULL" | "IS_NOT_NULL" | "IS_EMPTY" | "IS_NOT_EMPTY"

#Operation: "SET" | "LOOKUP" | "LOOKUP_JSON" | "LOOKUP_CHAIN" |
	"EXTRACT_REGEX" | "CALCULATE" | "VALIDATE_AGAINST_LIST"

#Condition: {
	field:    string & !=""
	operator: #Operator
	value?:   _
}

#Hop: {
	table:       string & !=""
	queryField:  string & !=""
	resultField: string & !=""
}

#Action: {
	operation: #Operation
	field:     string & !=""
	chain?: [...#Hop]
	decimals?: int & >=0 & <=10
	...
}

#Configuration: {
	conditions?: [...#Condition]
	logicOperator?: "AND" | "OR"
	orConditions?: [...#Condition]
	fieldTransformations?: [...{
		field:          string & !=""
		transformation: string & !=""
	}]
	actions?: [...#Action]
	stopOnMatch?: bool
}
`

// ValidateConfiguration checks a configuration document against the schema.
func ValidateConfiguration(raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("%w: not valid JSON", types.ErrInvalidConfiguration)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(configurationSchema, cue.Filename("configuration.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile configuration schema: %w", err)
	}

	doc := ctx.CompileBytes(raw, cue.Filename("configuration.json"))
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidConfiguration, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Configuration")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidConfiguration, err)
	}
	return nil
}
