/*
Package runtime hosts the in-process collaborators the serve command
hands to the organization engine: a local agent lifecycle manager, a
capacity-bounded resource ledger, and a task coordinator that dispatches
assignments onto a bounded worker pool.

Deployments that run agents out of process replace these with their own
implementations of the corresponding interfaces.
*/
package runtime
