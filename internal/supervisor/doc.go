// Package supervisor runs the external worker process for a job.
//
// A Supervisor spawns one Process per job. The Process exposes the worker's
// stdout as an ordered byte stream, an idempotent Kill and a Done channel that
// is closed once the worker has exited and its resources have been released.
package supervisor
