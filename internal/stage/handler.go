// Package stage defines the contract between the workflow manager and the
// pipeline stages it drives.
package stage

import (
	"context"

	"curator/internal/sessions"
)

// Handler describes the contract the workflow manager needs from each stage.
type Handler interface {
	Prepare(context.Context, *sessions.Session) error
	Execute(context.Context, *sessions.Session) error
	HealthCheck(context.Context) Health
}
