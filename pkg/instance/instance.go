package instance

import "github.com/angelmondragon/paycore/pkg/env"

// ID names this process in logs and lock values. An explicit override wins,
// then the platform dyno name, then the container hostname.
func ID() string {
	return env.First("local", "PAYCORE_INSTANCE_ID", "DYNO", "HOSTNAME")
}
