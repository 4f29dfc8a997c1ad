// Package interval parses and formats refresh cadences.
//
// A cadence is a positive number of seconds. Channels may run several
// cadences at once ("600,1800,3600" -> 10m, 30m and 1h tables).
package interval
