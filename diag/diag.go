// Package diag is the error-reporting channel for the dynamic linker core.
// Parsing and linking steps report problems here instead of returning an
// error directly; the Policy chosen by the caller decides whether a
// malformed entry aborts the whole operation or is skipped so the rest of
// the metadata can still be extracted.
package diag

import (
	"errors"
	"fmt"
)

// Policy decides what happens after a malformed-input report.
type Policy int

const (
	// Abort stops at the first reported error.
	Abort Policy = iota
	// Continue skips past individually bad entries, keeping whatever
	// metadata is still extractable.
	Continue
)

// ErrTLSNotSupported is reported when symbol lookup lands on a
// thread-local symbol; this lookup path does not implement TLS.
var ErrTLSNotSupported = errors.New("TLS symbol resolution not supported")

// UndefinedSymbolError reports a symbol that no module in scope defines.
type UndefinedSymbolError struct {
	Symbol string
}

func (e *UndefinedSymbolError) Error() string {
	return fmt.Sprintf("undefined symbol: %s", e.Symbol)
}

// Diagnostics accumulates reports from one linking or decoding operation.
// All report methods return true if the caller should keep going and
// false if it should abort. Not safe for concurrent use; each operation
// gets its own instance (or the session serializes access).
type Diagnostics struct {
	policy Policy
	module string
	err    error
	errors int
}

func New(policy Policy) *Diagnostics {
	return &Diagnostics{policy: policy}
}

func (d *Diagnostics) Policy() Policy { return d.policy }

// ErrorCount reports how many errors have been reported, including ones
// that were skipped under the Continue policy.
func (d *Diagnostics) ErrorCount() int { return d.errors }

// ScopeModule attaches a module name to every report made until the
// returned restore function runs. Scopes nest.
//
//	defer d.ScopeModule(root.Name().String())()
func (d *Diagnostics) ScopeModule(name string) func() {
	prev := d.module
	d.module = name
	return func() { d.module = prev }
}

// FormatError reports a malformed-input error built from args. The return
// value tells the caller whether to continue past the bad entry.
func (d *Diagnostics) FormatError(args ...any) bool {
	d.record(errors.New(d.prefix(fmt.Sprint(args...))))
	return d.policy == Continue
}

// SystemError reports an environmental failure (file retrieval, mapping).
// System errors are never skippable.
func (d *Diagnostics) SystemError(args ...any) bool {
	d.record(errors.New(d.prefix(fmt.Sprint(args...))))
	return false
}

// WrapSystemError is SystemError preserving err for errors.Is/As.
func (d *Diagnostics) WrapSystemError(err error, msg string) bool {
	d.record(fmt.Errorf("%s: %w", d.prefix(msg), err))
	return false
}

// UndefinedSymbol reports that name was not defined by any module in the
// lookup scope. Never skippable: the lookup has no result.
func (d *Diagnostics) UndefinedSymbol(name string) bool {
	d.record(d.scoped(&UndefinedSymbolError{Symbol: name}))
	return false
}

// MissingDependency reports a DT_NEEDED module that could not be found.
func (d *Diagnostics) MissingDependency(name string) bool {
	d.record(errors.New(d.prefix(name + " not found (needed dependency)")))
	return false
}

// TakeError yields the first reported error and resets it, so a
// Diagnostics can be reused after a recovered failure. Returns nil if
// nothing was reported.
func (d *Diagnostics) TakeError() error {
	err := d.err
	d.err = nil
	return err
}

func (d *Diagnostics) record(err error) {
	d.errors++
	if d.err == nil {
		d.err = err
	}
}

func (d *Diagnostics) prefix(msg string) string {
	if d.module == "" {
		return msg
	}
	return d.module + ": " + msg
}

// scoped wraps err with the module context while keeping it matchable
// via errors.Is/As.
func (d *Diagnostics) scoped(err error) error {
	if d.module == "" {
		return err
	}
	return fmt.Errorf("%s: %w", d.module, err)
}
