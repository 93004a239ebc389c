// Package git serves the Git smart protocol for pushed apps and keeps each
// app's working tree in sync with what was pushed.
package git

import "fmt"

// Steps reported in Error.Step.
const (
	StepMkdir       = "mkdir"
	StepInit        = "git init"
	StepWriteHook   = "write hook"
	StepChmodHook   = "chmod hook"
	StepShell       = "git-shell"
	StepRead        = "read hook input"
	StepRemoveStale = "remove stale working tree"
	StepClone       = "git clone"
	StepFetch       = "git fetch"
	StepBranch      = "read current branch"
	StepCheckout    = "git checkout"
	StepReset       = "git reset"
)

// Error identifies which step of a Git operation failed.
type Error struct {
	Step string
	App  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Step, e.App, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func stepError(step, app string, err error) *Error {
	return &Error{Step: step, App: app, Err: err}
}
