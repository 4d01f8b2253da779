// Command curator is the command-line interface for the laboratory session
// record pipeline: submit session windows, preview reconciliation, build
// and inspect records, and manage the background daemon.
package main
