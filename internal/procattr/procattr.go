// Package procattr attributes a file to the process currently holding it
// open. Attribution is best effort: "no holder" is the common, expected
// outcome and is distinct from a scan that could not complete.
package procattr

import (
	"context"
	"fmt"
)

// Process identifies a process holding a file open. Fields other than PID
// are best effort: a process that exits while being described leaves them
// empty.
type Process struct {
	PID  int32  `json:"process_id"`
	Name string `json:"process_name"`
	// User is the account name of the process's effective uid.
	User string `json:"process_user"`
	// Cmdline is the argument vector joined with spaces.
	Cmdline string `json:"process_cmdline"`
	Cwd     string `json:"process_cwd"`
}

// Status tags the outcome of a lookup.
type Status uint8

const (
	// NotFound means the scan completed and no process holds the file.
	NotFound Status = iota
	// Found means Result.Process identifies a holder.
	Found
	// Failed means the scan could not complete; Result.Err says why.
	Failed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case NotFound:
		return "not_found"
	case Found:
		return "found"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Result is the outcome of a FindHolder call.
type Result struct {
	Status Status
	// Process is meaningful only when Status is Found.
	Process Process
	// Err is set only when Status is Failed.
	Err error
}

// Holder returns the holding process when Status is Found.
func (r Result) Holder() (Process, bool) {
	return r.Process, r.Status == Found
}

// Finder looks up the process holding path open. Implementations must honour
// ctx cancellation so attribution never stalls event delivery.
type Finder interface {
	FindHolder(ctx context.Context, path string) Result
}

// Nop is a Finder that never attributes. It is used when attribution is
// disabled.
type Nop struct{}

// FindHolder always returns NotFound.
func (Nop) FindHolder(context.Context, string) Result {
	return Result{Status: NotFound}
}

// found and failed build the two non-zero Results.
func found(p Process) Result { return Result{Status: Found, Process: p} }

func failed(err error) Result { return Result{Status: Failed, Err: err} }
