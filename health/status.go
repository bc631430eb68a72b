// Package health reports the health of relay components.
package health

import (
	"regexp"
	"time"
)

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|wss?|nats|postgres(?:ql)?)://[^\s]+`)
	slackTokenRegex = regexp.MustCompile(`xox[abpr]-[A-Za-z0-9-]+|xapp-[A-Za-z0-9-]+`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|ticket)[^a-zA-Z]*[:=][^,\s}&]+`)
)

// Status represents the health state of a component or the whole relay
type Status struct {
	Component   string         `json:"component"`
	Healthy     bool           `json:"healthy"`
	Status      string         `json:"status"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	SubStatuses []Status       `json:"sub_statuses,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: StatusHealthy, Message: message, Timestamp: time.Now()}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{Component: component, Status: StatusUnhealthy, Message: message, Timestamp: time.Now()}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{Component: component, Status: StatusDegraded, Message: message, Timestamp: time.Now()}
}

// FromError returns healthy when err is nil and degraded otherwise, with the
// error text sanitized of URLs and credentials.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewDegraded(component, sanitizeErrorMessage(err.Error()))
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// WithDetail returns a copy of the status with key set in Details.
func (s Status) WithDetail(key string, value any) Status {
	details := make(map[string]any, len(s.Details)+1)
	for k, v := range s.Details {
		details[k] = v
	}
	details[key] = value
	s.Details = details
	return s
}

// Aggregate rolls sub-statuses up: any unhealthy makes the result unhealthy,
// otherwise any degraded makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no components registered")
	}

	hasUnhealthy, hasDegraded := false, false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "one or more components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "one or more components are degraded")
	default:
		status = NewHealthy(component, "all components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}

// sanitizeErrorMessage strips URLs (socket URLs carry a one-time ticket),
// platform tokens and key=value credentials.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = slackTokenRegex.ReplaceAllString(msg, "[REDACTED]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	return msg
}
