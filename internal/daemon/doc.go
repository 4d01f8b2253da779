// Package daemon runs the curator background service: it holds the
// single-instance lock, drives the workflow manager, and watches instrument
// data roots so newly written files wake the poll loop promptly.
package daemon
