// Package health evaluates the service's operating condition.
package health

import "fmt"

// Status is the overall health verdict.
type Status string

const (
	StatusGood     Status = "good"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Sample carries the measurements a health evaluation considers.
type Sample struct {
	// ProbeErr is the transport probe outcome, nil when reachable.
	ProbeErr error
	// ConnectedDevices is the number of devices currently usable.
	ConnectedDevices int
	// SuccessRate is the recent command success ratio in [0,1].
	SuccessRate float64
	// ExecutedCommands is how many commands the rate was computed over.
	ExecutedCommands int64
	// Backlog is the number of commands waiting in the queue.
	Backlog int
}

// Report is the outcome of one health evaluation.
type Report struct {
	Status          Status   `json:"status"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

const (
	degradedSuccessRate = 0.95
	backlogWarning      = 50
)

// Evaluate grades a sample. The transport being unreachable is always
// critical; everything else degrades at worst.
func Evaluate(s Sample) Report {
	r := Report{Status: StatusGood}

	if s.ProbeErr != nil {
		r.Status = StatusCritical
		r.Issues = append(r.Issues, fmt.Sprintf("bridge transport unreachable: %v", s.ProbeErr))
		r.Recommendations = append(r.Recommendations,
			"verify the adb binary is installed and the server is running")
		return r
	}

	if s.ConnectedDevices == 0 {
		r.Issues = append(r.Issues, "no connected devices")
		r.Recommendations = append(r.Recommendations,
			"check device cables and USB debugging authorization")
	}

	if s.ExecutedCommands > 0 && s.SuccessRate < degradedSuccessRate {
		r.Status = StatusDegraded
		r.Issues = append(r.Issues,
			fmt.Sprintf("command success rate %.1f%% below %.0f%%",
				s.SuccessRate*100, degradedSuccessRate*100))
		r.Recommendations = append(r.Recommendations,
			"inspect recent command history for failing devices or commands")
	}

	if s.Backlog > backlogWarning {
		r.Issues = append(r.Issues,
			fmt.Sprintf("queue backlog at %d commands", s.Backlog))
		r.Recommendations = append(r.Recommendations,
			"raise worker count or reduce submission rate")
	}

	return r
}
