package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/clientcontroller"
	"github.com/matrixmagiq/eigenlayer/config"
	"github.com/matrixmagiq/eigenlayer/metrics"
	"github.com/matrixmagiq/eigenlayer/types"
)

var (
	// TODO: Maybe configurable?
	RtyAttNum = uint(5)
	RtyAtt    = retry.Attempts(RtyAttNum)
	RtyDel    = retry.Delay(time.Millisecond * 400)
	RtyErr    = retry.LastErrorOnly(true)
)

const (
	// maxFailedCycles is the number of consecutive failed cycles after which
	// the poller reports the chain as unreachable
	maxFailedCycles = 20
)

// ChainPoller scans the finalized rounds of a member chain for misbehaviour
// evidence and pushes it to a buffered channel in round order
type ChainPoller struct {
	isStarted *atomic.Bool
	wg        sync.WaitGroup
	quit      chan struct{}

	cc           clientcontroller.ChainController
	cfg          *config.ChainPollerConfig
	metrics      *metrics.RestakeMetrics
	evidenceChan chan *types.Evidence
	nextRound    *atomic.Uint64
	logger       *zap.Logger
}

func NewChainPoller(
	logger *zap.Logger,
	cfg *config.ChainPollerConfig,
	cc clientcontroller.ChainController,
	metrics *metrics.RestakeMetrics,
) *ChainPoller {
	return &ChainPoller{
		isStarted:    atomic.NewBool(false),
		logger:       logger.With(zap.String("chain", cc.ChainID().String())),
		cfg:          cfg,
		cc:           cc,
		metrics:      metrics,
		evidenceChan: make(chan *types.Evidence, cfg.BufferSize),
		nextRound:    atomic.NewUint64(0),
		quit:         make(chan struct{}),
	}
}

func (cp *ChainPoller) Start(startRound uint64) error {
	if cp.isStarted.Swap(true) {
		return fmt.Errorf("the poller is already started")
	}

	cp.logger.Info("starting the chain poller")

	err := cp.validateStartRound(startRound)
	if err != nil {
		cp.isStarted.Store(false)
		return fmt.Errorf("invalid starting round %d: %w", startRound, err)
	}

	cp.nextRound.Store(startRound)

	cp.wg.Add(1)

	go cp.pollChain()

	cp.logger.Info("the chain poller is successfully started", zap.Uint64("start_round", startRound))

	return nil
}

// Stop stops polling. The chain controller is owned by the caller and stays
// open.
func (cp *ChainPoller) Stop() error {
	if !cp.isStarted.Swap(false) {
		return fmt.Errorf("the chain poller has already stopped")
	}

	cp.logger.Info("stopping the chain poller")
	close(cp.quit)
	cp.wg.Wait()

	cp.logger.Info("the chain poller is successfully stopped")

	return nil
}

func (cp *ChainPoller) IsRunning() bool {
	return cp.isStarted.Load()
}

// GetEvidenceChan returns the read only channel of the evidence found
func (cp *ChainPoller) GetEvidenceChan() <-chan *types.Evidence {
	return cp.evidenceChan
}

// NextRound returns the first round that has not been scanned yet
func (cp *ChainPoller) NextRound() uint64 {
	return cp.nextRound.Load()
}

func (cp *ChainPoller) latestRoundWithRetry(ctx context.Context) (uint64, error) {
	var (
		latestRound uint64
		err         error
	)

	if err := retry.Do(func() error {
		latestRound, err = cp.cc.QueryFinalizedRound(ctx)
		if err != nil {
			return err
		}
		return nil
	}, RtyAtt, RtyDel, RtyErr, retry.Context(ctx), retry.OnRetry(func(n uint, err error) {
		cp.logger.Debug(
			"failed to query the chain for the latest finalized round",
			zap.Uint("attempt", n+1),
			zap.Uint("max_attempts", RtyAttNum),
			zap.Error(err),
		)
	})); err != nil {
		return 0, err
	}
	return latestRound, nil
}

func (cp *ChainPoller) evidenceWithRetry(ctx context.Context, from, to uint64) ([]*types.Evidence, error) {
	var (
		evidence []*types.Evidence
		err      error
	)
	if err := retry.Do(func() error {
		evidence, err = cp.cc.QueryEvidence(ctx, from, to)
		if err != nil {
			return err
		}
		return nil
	}, RtyAtt, RtyDel, RtyErr, retry.Context(ctx), retry.OnRetry(func(n uint, err error) {
		cp.logger.Debug(
			"failed to query the chain for evidence",
			zap.Uint("attempt", n+1),
			zap.Uint("max_attempts", RtyAttNum),
			zap.Uint64("from_round", from),
			zap.Uint64("to_round", to),
			zap.Error(err),
		)
	})); err != nil {
		return nil, err
	}

	return evidence, nil
}

func (cp *ChainPoller) validateStartRound(startRound uint64) error {
	if startRound == 0 {
		return fmt.Errorf("start round can't be 0")
	}

	ctx, cancel := cp.quitContext()
	defer cancel()

	var currentRound uint64
	for {
		latestRound, err := cp.latestRoundWithRetry(ctx)
		if err == nil {
			currentRound = latestRound
			break
		}
		cp.logger.Debug("failed to query the chain for the latest finalized round", zap.Error(err))

		select {
		case <-time.After(cp.cfg.PollInterval):
		case <-ctx.Done():
			return fmt.Errorf("the chain poller is stopped")
		}
	}

	// Allow the start round to be the next finalized round
	if startRound > currentRound+1 {
		return fmt.Errorf("start round %d is more than the next finalized round %d", startRound, currentRound+1)
	}

	return nil
}

func (cp *ChainPoller) pollChain() {
	defer cp.wg.Done()

	ctx, cancel := cp.quitContext()
	defer cancel()

	var failedCycles uint32

	for {
		from := cp.nextRound.Load()
		to, err := cp.latestRoundWithRetry(ctx)
		var evidence []*types.Evidence
		if err == nil && to >= from {
			evidence, err = cp.evidenceWithRetry(ctx, from, to)
		}
		if err != nil {
			failedCycles++
			if failedCycles%maxFailedCycles == 0 {
				cp.logger.Error(
					"the poller keeps failing to scan the chain",
					zap.Uint32("current_failures", failedCycles),
					zap.Uint64("round_to_scan", from),
					zap.Error(err),
				)
			} else {
				cp.logger.Debug(
					"failed to scan the chain for evidence",
					zap.Uint32("current_failures", failedCycles),
					zap.Uint64("round_to_scan", from),
					zap.Error(err),
				)
			}
		} else {
			failedCycles = 0
		}
		cp.metrics.RecordPollerFailedCycles(cp.cc.ChainID(), failedCycles)

		if err == nil && to >= from {
			cp.nextRound.Store(to + 1)
			cp.metrics.RecordLastPolledRound(cp.cc.ChainID(), to)

			cp.logger.Debug("the poller scanned finalized rounds",
				zap.Uint64("from_round", from),
				zap.Uint64("to_round", to),
				zap.Int("evidence", len(evidence)))

			// Note: if the consumer is too slow -- the buffer is full
			// the channel will block, and we will stop scanning the chain
			for _, ev := range evidence {
				select {
				case cp.evidenceChan <- ev:
				case <-cp.quit:
					return
				}
			}
		}

		select {
		case <-time.After(cp.pollDelay(failedCycles)):

		case <-cp.quit:
			return
		}
	}
}

// pollDelay doubles the poll interval for every consecutive failed cycle,
// up to MaxPollInterval
func (cp *ChainPoller) pollDelay(failedCycles uint32) time.Duration {
	delay := cp.cfg.PollInterval
	maxDelay := cp.cfg.MaxPollInterval
	if maxDelay < delay {
		maxDelay = delay
	}
	for i := uint32(0); i < failedCycles && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// quitContext returns a context that is cancelled when the poller stops
func (cp *ChainPoller) quitContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		select {
		case <-cp.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
