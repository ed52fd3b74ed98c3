// Package action runs the external commands that state transitions request.
//
// Every outcome is a typed Result rather than an error: a non-zero exit, a
// timeout, a forced termination after cancellation and a command that could
// not be started are all values the caller turns into spans. Nothing here
// panics or returns on failure in a way that could stop an agent loop.
//
// CommandExecutor runs one request synchronously. Each command gets its own
// process group so a timeout terminates everything the command spawned:
// SIGTERM first, then SIGKILL once the grace period passes.
//
// Dispatcher runs asynchronous requests on their own goroutines and hands each
// Result to a callback. Shutdown lets in-flight commands finish within a grace
// period and cancels the rest; cancelled commands still report a TimedOut
// result.
package action
