// Package bridge runs a submitted job's worker and republishes its
// line-delimited JSON output to one subscriber as normalised events.
//
// A Controller resolves the job, spawns the worker, decodes and maps its
// output, and on every terminal path kills the worker, waits for it to exit,
// delivers exactly one done event and deletes the job record.
//
// A Submitter validates requests and creates the job records a Controller
// later consumes.
package bridge
