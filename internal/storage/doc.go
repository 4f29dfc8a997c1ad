// Package storage persists refresh loop records keyed by (channel, interval).
//
// Every active loop has exactly one row; the row is the only thing read on
// startup to resume loops. It also keeps an append-only audit of operator
// actions (start/stop).
package storage
