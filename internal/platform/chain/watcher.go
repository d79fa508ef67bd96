package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// WatchEvents streams decoded PolicyCreated/ClaimPaid logs into sink until
// ctx is cancelled. It prefers a WebSocket subscription and falls back to
// interval polling when no WS endpoint is available or the subscription
// drops. The subscription is torn down before returning.
func (c *Client) WatchEvents(ctx context.Context, sink chan<- Event) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contractAddr},
		Topics:    [][]common.Hash{{policyCreatedTopic, claimPaidTopic}},
	}

	if c.wsEth != nil {
		if err := c.watchViaSubscription(ctx, query, sink); err != ctx.Err() {
			c.logger.Warn("log subscription failed, falling back to polling", "error", err)
			return c.watchViaPolling(ctx, query, sink)
		}
		return ctx.Err()
	}

	return c.watchViaPolling(ctx, query, sink)
}

func (c *Client) watchViaSubscription(ctx context.Context, query ethereum.FilterQuery, sink chan<- Event) error {
	logs := make(chan types.Log, 128)
	sub, err := c.wsEth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	c.logger.Info("subscribed to contract logs", "contract", c.contractAddr.Hex())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case log := <-logs:
			c.deliver(ctx, &log, sink)
		}
	}
}

func (c *Client) watchViaPolling(ctx context.Context, query ethereum.FilterQuery, sink chan<- Event) error {
	c.logger.Info("polling for contract logs", "interval", c.cfg.LogPollInterval)

	lastSeen, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.LogPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			latest, err := c.eth.BlockNumber(ctx)
			if err != nil {
				c.logger.Error("failed to get latest block", "error", err)
				continue
			}
			if latest <= lastSeen {
				continue
			}

			query.FromBlock = new(big.Int).SetUint64(lastSeen + 1)
			query.ToBlock = new(big.Int).SetUint64(latest)

			logs, err := c.eth.FilterLogs(ctx, query)
			if err != nil {
				c.logger.Error("failed to fetch logs",
					"from", lastSeen+1,
					"to", latest,
					"error", err,
				)
				continue
			}

			for i := range logs {
				c.deliver(ctx, &logs[i], sink)
			}
			lastSeen = latest
		}
	}
}

func (c *Client) deliver(ctx context.Context, log *types.Log, sink chan<- Event) {
	if log.Removed {
		// Reorged-out log. The listener applies events idempotently, so the
		// re-emitted log on the canonical chain is what counts.
		c.logger.Warn("dropping removed log", "tx", log.TxHash.Hex(), "block", log.BlockNumber)
		return
	}

	ev, err := DecodeLog(log)
	if err != nil {
		c.logger.Error("failed to decode contract log",
			"tx", log.TxHash.Hex(),
			"block", log.BlockNumber,
			"error", err,
		)
		return
	}
	if ev == nil {
		return
	}

	select {
	case sink <- *ev:
	case <-ctx.Done():
	}
}
