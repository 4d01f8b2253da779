// Package calendar queries the facility reservation system for bookings
// that enrich session records with experiment titles, users, and purposes.
// The feed is Atom-style XML; transient failures are retried with bounded
// exponential backoff and eventually degrade to a warning on the record
// rather than blocking a build.
package calendar
