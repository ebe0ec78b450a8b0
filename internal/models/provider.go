package models

import "time"

// Provider is the registry's view of one live backend.
type Provider struct {
	Name                string    `json:"name"`
	Priority            int       `json:"priority"`
	DailyQuota          int       `json:"daily_quota"`
	UsedToday           int       `json:"used_today"`
	ResetAt             time.Time `json:"reset_at"`
	Enabled             bool      `json:"enabled"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	InFlight            int       `json:"in_flight"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`

	// per-attempt deadline; zero means the router default
	Timeout time.Duration `json:"timeout"`
}

func (p Provider) Eligible() bool {
	return p.Enabled && p.UsedToday < p.DailyQuota
}

func (p Provider) Remaining() int {
	if p.UsedToday >= p.DailyQuota {
		return 0
	}
	return p.DailyQuota - p.UsedToday
}
