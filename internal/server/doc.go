/*
Package server manages the lifecycle of the control-plane HTTP listener.

Manager wraps net/http.Server with a non-blocking Start, graceful
Shutdown within a configured timeout, and SIGINT/SIGTERM handling via
WaitForShutdown. Serve-loop failures are surfaced on the Errors channel
so the caller can react to an unexpected exit.
*/
package server
