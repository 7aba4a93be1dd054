// Package pipeline implements the operation engine every protocol command
// and cryptographic action of the gateway flows through.
//
// An Operation is a named unit of work executed against a per-request
// Context. Operations compose by writing inputs into a sub-operation's
// namespace, running it through Run, and afterwards polling the recorded
// failures with HasError. Failures are recorded rather than propagated so
// that a parent can keep running sibling sub-operations (for example PIN
// status lookups for every card) and still see every failure at the end.
package pipeline

import (
	"log/slog"
	"sync"
)

// envKey namespaces context values by the owning operation so that nested
// operations cannot collide. An operation reads keys outside its own
// namespace only by explicit contract with its caller.
type envKey struct {
	op  string
	key string
}

// reservedErrorKey is where Run records an operation's failure inside the
// operation's own namespace.
const reservedErrorKey = "__error"

// FaultSide distinguishes sender-side from recipient-side faults in the
// per-address accumulators.
type FaultSide int

const (
	RecipientFault FaultSide = iota
	SenderFault
)

// AddressErrors is the ordered list of failure codes accumulated for one
// mail address.
type AddressErrors struct {
	Codes []Code
	Side  FaultSide
}

// Context is the per-request environment. It is created for one inbound
// request (protocol command, scheduled job, admin action) and discarded when
// the top-level operation returns. It is not safe for concurrent use; a
// session runs its operations strictly sequentially.
type Context struct {
	log *slog.Logger
	env map[envKey]any

	// Per-address error accumulators, keyed by mail address.
	certErrors map[string]*AddressErrors
	kimErrors  map[string]*AddressErrors
	rcptErrors map[string]*AddressErrors
}

// contextPool avoids reallocating the maps for every protocol command.
var contextPool = sync.Pool{
	New: func() any {
		return &Context{
			env:        make(map[envKey]any),
			certErrors: make(map[string]*AddressErrors),
			kimErrors:  make(map[string]*AddressErrors),
			rcptErrors: make(map[string]*AddressErrors),
		}
	},
}

// NewContext creates a request context writing to the given logger.
func NewContext(log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	ctx := contextPool.Get().(*Context)
	ctx.log = log
	return ctx
}

// Release returns the context to the pool. Callers must not touch the
// context afterwards.
func (c *Context) Release() {
	clear(c.env)
	clear(c.certErrors)
	clear(c.kimErrors)
	clear(c.rcptErrors)
	c.log = nil
	contextPool.Put(c)
}

// Log returns the logger attached to this request.
func (c *Context) Log() *slog.Logger {
	if c.log == nil {
		return slog.Default()
	}
	return c.log
}

// Set stores a value under (op, key). Callers writing into another
// operation's namespace do so as part of that operation's input contract.
func (c *Context) Set(op, key string, value any) {
	c.env[envKey{op: op, key: key}] = value
}

// Get retrieves a value from (op, key).
func (c *Context) Get(op, key string) (any, bool) {
	v, ok := c.env[envKey{op: op, key: key}]
	return v, ok
}

// GetString retrieves a string value, returning "" when absent or mistyped.
func (c *Context) GetString(op, key string) string {
	if v, ok := c.env[envKey{op: op, key: key}]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RecordFailure stores err under the operation's reserved error key. A nil
// err clears a previously recorded failure.
func (c *Context) RecordFailure(op string, err error) {
	if err == nil {
		delete(c.env, envKey{op: op, key: reservedErrorKey})
		return
	}
	c.env[envKey{op: op, key: reservedErrorKey}] = err
}

// FailureOf returns the failure recorded for the named operation, if any.
func (c *Context) FailureOf(op string) error {
	if v, ok := c.env[envKey{op: op, key: reservedErrorKey}]; ok {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// HasError reports whether any of the named operations recorded a failure.
// Parents call this after running the sub-operations they invoked.
func (c *Context) HasError(ops ...string) bool {
	for _, op := range ops {
		if c.FailureOf(op) != nil {
			return true
		}
	}
	return false
}

// Failures collects the recorded failures of the named operations in call
// order, skipping operations that succeeded.
func (c *Context) Failures(ops ...string) []error {
	var errs []error
	for _, op := range ops {
		if err := c.FailureOf(op); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func accumulate(m map[string]*AddressErrors, addr string, code Code, side FaultSide) {
	ae, ok := m[addr]
	if !ok {
		ae = &AddressErrors{Side: side}
		m[addr] = ae
	}
	ae.Codes = append(ae.Codes, code)
}

// AddCertError records a certificate failure for the given address.
func (c *Context) AddCertError(addr string, code Code, side FaultSide) {
	accumulate(c.certErrors, addr, code, side)
}

// AddKimVersionError records a KIM capability failure for the given address.
func (c *Context) AddKimVersionError(addr string, code Code, side FaultSide) {
	accumulate(c.kimErrors, addr, code, side)
}

// AddRcptError records a recipient rejection for the given address.
func (c *Context) AddRcptError(addr string, code Code, side FaultSide) {
	accumulate(c.rcptErrors, addr, code, side)
}

// CertErrors returns the certificate accumulator entry for an address.
func (c *Context) CertErrors(addr string) *AddressErrors { return c.certErrors[addr] }

// KimVersionErrors returns the KIM-version accumulator entry for an address.
func (c *Context) KimVersionErrors(addr string) *AddressErrors { return c.kimErrors[addr] }

// RcptErrors returns the RCPT accumulator entry for an address.
func (c *Context) RcptErrors(addr string) *AddressErrors { return c.rcptErrors[addr] }

// FailedAddresses returns every address present in any accumulator.
func (c *Context) FailedAddresses() map[string]struct{} {
	failed := make(map[string]struct{})
	for addr := range c.certErrors {
		failed[addr] = struct{}{}
	}
	for addr := range c.kimErrors {
		failed[addr] = struct{}{}
	}
	for addr := range c.rcptErrors {
		failed[addr] = struct{}{}
	}
	return failed
}

// CleanRecipients filters the given recipient list down to addresses absent
// from every accumulator. A send may only proceed for this set.
func (c *Context) CleanRecipients(recipients []string) []string {
	failed := c.FailedAddresses()
	clean := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if _, bad := failed[r]; !bad {
			clean = append(clean, r)
		}
	}
	return clean
}
