package cache

import (
	"errors"
	"fmt"
)

// Passthrough signals that a request touches something the cache does
// not hold and must be forwarded to the upstream server verbatim. It
// flows as an error so any depth of the compiler can bail out.
type Passthrough struct {
	Reason string
}

func (p *Passthrough) Error() string {
	return "passthrough: " + p.Reason
}

// AsPassthrough reports whether err requires forwarding upstream.
func AsPassthrough(err error) (*Passthrough, bool) {
	var p *Passthrough
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}

func passthroughf(format string, args ...any) error {
	return &Passthrough{Reason: fmt.Sprintf(format, args...)}
}

func entityNotCached(typeName string) error {
	return passthroughf("entity type %q is not cached", typeName)
}

func fieldNotCached(typeName, fieldName string) error {
	return passthroughf("field %s.%s is not cached", typeName, fieldName)
}

func fieldNotImplemented(typeName, fieldName, what string) error {
	return passthroughf("field %s.%s does not support %s", typeName, fieldName, what)
}

func filterNotImplemented(relation, path string) error {
	return passthroughf("filter relation %q on %s is not supported", relation, path)
}

// Fault is a client-caused error reported on the wire as an API3
// exception body with HTTP status 200.
type Fault struct {
	Code    int
	Message string
}

// ClientFault is the error_code used for malformed client requests,
// matching the upstream server's convention.
const ClientFault = 103

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

func clientFaultf(format string, args ...any) error {
	return &Fault{Code: ClientFault, Message: fmt.Sprintf(format, args...)}
}

// AsFault reports whether err should be serialized as an API3 fault.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// errNoFieldData marks a field absent from an upsert payload; the field
// is simply skipped rather than written as null.
var errNoFieldData = errors.New("no field data")
