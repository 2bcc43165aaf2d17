package sources

import "fmt"

// ResolutionError reports either a plan step naming a data source no
// adapter serves (Request empty), or an adapter that exhausted its query
// synthesis attempts.
type ResolutionError struct {
	Source   string
	Request  string
	Attempts int
	Err      error
}

func NewUnknownSourceError(name string) *ResolutionError {
	return &ResolutionError{Source: name}
}

func NewResolutionError(source, request string, attempts int, err error) *ResolutionError {
	return &ResolutionError{Source: source, Request: request, Attempts: attempts, Err: err}
}

func (e *ResolutionError) Error() string {
	if e.Request == "" {
		return fmt.Sprintf("no data source named %q", e.Source)
	}
	return fmt.Sprintf("%s: failed to resolve %q after %d attempts: %v", e.Source, e.Request, e.Attempts, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// MissingPriorDataError reports a request that refers to an area or entity
// no earlier result in the store can supply.
type MissingPriorDataError struct {
	Source  string
	Request string
	Entity  string
}

func NewMissingPriorDataError(source, request, entity string) *MissingPriorDataError {
	return &MissingPriorDataError{Source: source, Request: request, Entity: entity}
}

func (e *MissingPriorDataError) Error() string {
	return fmt.Sprintf("%s: request %q needs prior data for %q that the store does not hold", e.Source, e.Request, e.Entity)
}

// EmptyResultError reports a fetch that produced no rows.
type EmptyResultError struct {
	Source  string
	Request string
}

func NewEmptyResultError(source, request string) *EmptyResultError {
	return &EmptyResultError{Source: source, Request: request}
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("%s: no data found for %q", e.Source, e.Request)
}

// TransportError reports an upstream endpoint failure distinct from a
// well-formed empty answer.
type TransportError struct {
	Source string
	Err    error
}

func NewTransportError(source string, err error) *TransportError {
	return &TransportError{Source: source, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: upstream failure: %v", e.Source, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
