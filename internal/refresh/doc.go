// Package refresh runs one independent update loop per (channel, interval)
// key.
//
// Each loop calls the Publisher, then waits for either its interval to
// elapse or a reset signal, and repeats. A reset re-bases the cadence to
// the moment it is consumed. Loops are owned by a Scheduler and joined on
// Stop/Close; every active key has exactly one durable record, written on
// start and deleted on stop, which Restore uses after a restart.
package refresh
