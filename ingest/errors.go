package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrConfig        = errors.New("config error")
	ErrFetch         = errors.New("fetch error")
	ErrSchema        = errors.New("schema error")
	ErrPersistence   = errors.New("persistence error")
	ErrRunClosed     = errors.New("ingest run already closed")
	ErrUnknownSource = errors.New("unknown source")
)

// ConfigError reports missing or invalid adapter configuration. It is raised
// before any network call is made.
type ConfigError struct {
	Source  string
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: config %s: %s", e.Source, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: config: %s", e.Source, e.Message)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// FetchError is a transport failure or a non-success registry response.
type FetchError struct {
	Source     string
	URL        string // credentials redacted
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: fetch %s: status %d: %s", e.Source, e.URL, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: fetch %s: %v", e.Source, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s: fetch %s: %s", e.Source, e.URL, e.Body)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// SchemaError means a response body could not be turned into an item list.
type SchemaError struct {
	Source  string
	Page    int
	Message string
	Err     error
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("%s: page %d: %s", e.Source, e.Page, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }
func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// PersistenceError wraps a failed read or write against the stores.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
