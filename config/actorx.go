package config

import (
	"fmt"
	"time"
)

var (
	defaultAckPollInterval       = 500 * time.Millisecond
	defaultFinalityRoundBound    = uint64(10)
	defaultSubmissionRetryDelay  = 400 * time.Millisecond
	defaultMaxSubmissionRetryGap = 30 * time.Second
	defaultKillAlertAttempts     = uint(20)
)

type ActorXConfig struct {
	AckPollInterval time.Duration `long:"ackpollinterval" description:"The interval between each query of prepare acknowledgments"`
	// FinalityRoundBound bounds the Await phase in finalized rounds of the
	// slower of the two chains, counted from the round observed at prepare
	FinalityRoundBound    uint64        `long:"finalityroundbound" description:"The number of finalized rounds a prepare may stay unacknowledged before it is aborted"`
	SubmissionRetryDelay  time.Duration `long:"submissionretrydelay" description:"The initial delay between attempts to deliver a commit, abort or kill"`
	MaxSubmissionRetryGap time.Duration `long:"maxsubmissionretrygap" description:"The upper bound of the backoff delay between delivery attempts"`
	KillAlertAttempts     uint          `long:"killalertattempts" description:"The number of failed kill attempts after which an operational alert is raised"`
}

func DefaultActorXConfig() ActorXConfig {
	return ActorXConfig{
		AckPollInterval:       defaultAckPollInterval,
		FinalityRoundBound:    defaultFinalityRoundBound,
		SubmissionRetryDelay:  defaultSubmissionRetryDelay,
		MaxSubmissionRetryGap: defaultMaxSubmissionRetryGap,
		KillAlertAttempts:     defaultKillAlertAttempts,
	}
}

func (cfg *ActorXConfig) Validate() error {
	if cfg.AckPollInterval <= 0 {
		return fmt.Errorf("ack poll interval must be positive")
	}
	if cfg.FinalityRoundBound == 0 {
		return fmt.Errorf("finality round bound must be positive")
	}
	if cfg.SubmissionRetryDelay <= 0 || cfg.MaxSubmissionRetryGap < cfg.SubmissionRetryDelay {
		return fmt.Errorf("invalid submission retry delays: %v up to %v",
			cfg.SubmissionRetryDelay, cfg.MaxSubmissionRetryGap)
	}
	if cfg.KillAlertAttempts == 0 {
		return fmt.Errorf("kill alert attempts must be positive")
	}
	return nil
}
