package config

import (
	"time"

	"github.com/pitabwire/frame/config"
)

// CrwizConfig holds configuration for the task orchestration service.
type CrwizConfig struct {
	config.ConfigurationDefault

	StatesDir         string `envDefault:"./knowledge_base/dialogue_states" env:"STATES_DIR"`
	WatchStates       bool   `envDefault:"false"                            env:"WATCH_STATES"`
	MissionSeconds    int    `envDefault:"360"                              env:"MISSION_SECONDS"`
	TokenGraceSeconds int    `envDefault:"300"                              env:"TOKEN_GRACE_SECONDS"`
	MinimumUserTurns  int    `envDefault:"15"                               env:"MINIMUM_USER_TURNS"`
}

// MissionDuration returns the mission time as a duration.
func (c *CrwizConfig) MissionDuration() time.Duration {
	return time.Duration(c.MissionSeconds) * time.Second
}

// TokenGrace returns the post-close token-invalidation delay.
func (c *CrwizConfig) TokenGrace() time.Duration {
	return time.Duration(c.TokenGraceSeconds) * time.Second
}
