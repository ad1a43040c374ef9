package config

import "time"

var (
	defaultBufferSize         = uint32(1000)
	defaultPollingInterval    = 2 * time.Second
	defaultMaxPollingInterval = time.Minute
)

type ChainPollerConfig struct {
	BufferSize      uint32        `long:"buffersize" description:"The maximum number of evidence reports that can be stored in the buffer"`
	PollInterval    time.Duration `long:"pollinterval" description:"The interval between each polling of member chains for misbehavior evidence"`
	MaxPollInterval time.Duration `long:"maxpollinterval" description:"The longest interval the poller backs off to while a member chain keeps failing"`
}

func DefaultChainPollerConfig() ChainPollerConfig {
	return ChainPollerConfig{
		BufferSize:      defaultBufferSize,
		PollInterval:    defaultPollingInterval,
		MaxPollInterval: defaultMaxPollingInterval,
	}
}
