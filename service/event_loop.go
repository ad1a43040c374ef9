package service

import (
	"time"

	"go.uber.org/zap"
)

// evidenceLoop is the single consumer of the evidence accepted by the
// coordinator
func (app *RestakeApp) evidenceLoop() {
	defer app.wg.Done()

	for {
		select {
		case ev := <-app.coordinator.Evidence():
			app.handleEvidence(ev)
		case <-app.ctx.Done():
			app.logger.Debug("exiting the evidence loop")
			return
		}
	}
}

// forwardEvidence reports the evidence found by a chain poller to the
// coordinator
func (app *RestakeApp) forwardEvidence(p *ChainPoller) {
	defer app.wg.Done()

	for {
		select {
		case ev := <-p.GetEvidenceChan():
			if err := app.coordinator.ReportEvidence(app.ctx, ev); err != nil {
				app.logger.Warn("dropping invalid evidence",
					zap.String("validator", ev.Validator.String()),
					zap.String("chain", ev.Chain.String()),
					zap.Uint64("height", ev.Height),
					zap.Error(err),
				)
			}
		case <-app.ctx.Done():
			return
		}
	}
}

// heightLoop follows the finalized rounds of the home chain, which are the
// heights delegations unlock at
func (app *RestakeApp) heightLoop() {
	defer app.wg.Done()

	cc, err := app.chains.Get(app.home)
	if err != nil {
		app.logger.Error("no controller for the home chain", zap.Error(err))
		return
	}

	ticker := time.NewTicker(app.config.PollerConfig.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			height, err := cc.QueryFinalizedRound(app.ctx)
			if err != nil {
				app.logger.Debug("failed to query the home chain height", zap.Error(err))
				continue
			}
			closed, err := app.ledger.AdvanceHeight(height)
			if err != nil {
				app.logger.Error("failed to advance the ledger height", zap.Uint64("height", height), zap.Error(err))
				continue
			}
			for _, id := range closed {
				app.logger.Info("closed an unwound delegation", zap.Uint64("id", id), zap.Uint64("height", height))
			}
		case <-app.ctx.Done():
			return
		}
	}
}

// metricsUpdateLoop refreshes the gauges derived from the ledger, the key
// store and the effective sets
func (app *RestakeApp) metricsUpdateLoop() {
	defer app.wg.Done()

	interval := app.config.Metrics.UpdateInterval
	if interval == 0 {
		app.logger.Info("the metrics update is disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			app.metrics.UpdateLedgerMetrics(app.ledger.Delegations())
			app.metrics.RecordLiveTokens(len(app.keys.LiveTokens()))
			for _, chain := range app.chains.Chains() {
				app.metrics.RecordEffectiveSetSize(chain, len(app.coordinator.EffectiveSet(chain)))
			}
		case <-app.ctx.Done():
			return
		}
	}
}
