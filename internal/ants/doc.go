// Package ants invokes the ANTs command-line tools used by the registration,
// transform and Jacobian stages.
//
// Every invocation is an explicit argument vector run through an Executor.
// The default executor captures the exit status and a tail of stderr; any
// failure, including a zero exit that leaves an expected output missing,
// surfaces as services.ErrExternalTool wrapping a *ToolError.
package ants
