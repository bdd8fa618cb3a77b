package torrent

import (
	"github.com/nyxswarm/swarmd/internal/peer"
	"github.com/nyxswarm/swarmd/internal/scheduler"
	"github.com/nyxswarm/swarmd/internal/storage"
	"github.com/nyxswarm/swarmd/internal/tracker"
)

type Config struct {
	Scheduler *scheduler.Config
	Storage   *storage.Config
	Peer      *peer.Config
	Tracker   *tracker.Config
}

func WithDefaultConfig() *Config {
	return &Config{
		Scheduler: scheduler.WithDefaultConfig(),
		Storage:   storage.WithDefaultConfig(),
		Peer:      peer.WithDefaultConfig(),
		Tracker:   tracker.WithDefaultConfig(),
	}
}
