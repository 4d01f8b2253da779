package stage

// Health reports whether one pipeline stage is able to process sessions.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy builds a ready Health report for a stage.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy builds a not-ready Health report with the reason the stage
// cannot run.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
