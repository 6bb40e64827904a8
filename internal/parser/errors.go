package parser

import "fmt"

// ParseError reports a block or transaction that failed decoding. It is
// per-entity: the pipeline quarantines the block and continues.
type ParseError struct {
	What  string
	Where string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s at %s: %v", e.What, e.Where, e.Err)
	}
	return fmt.Sprintf("parse %s at %s", e.What, e.Where)
}

func (e *ParseError) Unwrap() error { return e.Err }
