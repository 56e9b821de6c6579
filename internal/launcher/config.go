package launcher

import "time"

// DefaultSpawnTimeout bounds a launcher script run when none is configured.
const DefaultSpawnTimeout = 30 * time.Second

// EnvVar is one extra environment pair passed to the launcher script.
type EnvVar struct {
	Key   string
	Value string
}

// LaunchConfig is the launch intent for one spawn attempt. It is a value
// type: the With methods return modified copies and never touch the receiver.
type LaunchConfig struct {
	launcher  string
	session   string
	workspace string
	model     string
	tier      Tier
	env       []EnvVar
	timeout   time.Duration
	beadID    string
	beadTitle string
}

// NewLaunchConfig returns a config with the standard tier and default timeout.
// session is the requested name; the launcher's session prefix is added at spawn.
func NewLaunchConfig(launcher, session, workspace, model string) LaunchConfig {
	return LaunchConfig{
		launcher:  launcher,
		session:   session,
		workspace: workspace,
		model:     model,
		tier:      TierStandard,
		timeout:   DefaultSpawnTimeout,
	}
}

// WithTier returns a copy with tier set.
func (c LaunchConfig) WithTier(tier Tier) LaunchConfig {
	c.tier = tier
	return c
}

// WithEnv returns a copy with one more environment pair appended.
func (c LaunchConfig) WithEnv(key, value string) LaunchConfig {
	env := make([]EnvVar, len(c.env), len(c.env)+1)
	copy(env, c.env)
	c.env = append(env, EnvVar{Key: key, Value: value})
	return c
}

// WithTimeout returns a copy with the spawn timeout set. Non-positive values
// keep the current timeout.
func (c LaunchConfig) WithTimeout(d time.Duration) LaunchConfig {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithBead returns a copy bound to a work item.
func (c LaunchConfig) WithBead(id, title string) LaunchConfig {
	c.beadID = id
	c.beadTitle = title
	return c
}

func (c LaunchConfig) Launcher() string       { return c.launcher }
func (c LaunchConfig) Session() string        { return c.session }
func (c LaunchConfig) Workspace() string      { return c.workspace }
func (c LaunchConfig) Model() string          { return c.model }
func (c LaunchConfig) Tier() Tier             { return c.tier }
func (c LaunchConfig) Timeout() time.Duration { return c.timeout }
func (c LaunchConfig) BeadID() string         { return c.beadID }
func (c LaunchConfig) BeadTitle() string      { return c.beadTitle }

// Env returns a copy of the extra environment pairs in insertion order.
func (c LaunchConfig) Env() []EnvVar {
	out := make([]EnvVar, len(c.env))
	copy(out, c.env)
	return out
}
