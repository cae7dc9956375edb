// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"fmt"
	"strings"

	pintel "github.com/Not-Sarthak/pintel"
	"github.com/Not-Sarthak/pintel/book"
	"github.com/ethereum/go-ethereum/common"
)

// Chain is the on-chain contract boundary. Fills negotiated off-chain are
// finalized by an ownership transfer submitted here.
type Chain interface {
	// OpenPositions lists the position ids currently owned by the local
	// account, the candidates for listing as asks.
	OpenPositions(ctx context.Context) ([]uint64, error)
	// TransferPosition submits the ownership transfer of a position to the
	// buyer.
	TransferPosition(ctx context.Context, positionID uint64, buyer common.Address) error
}

// maybeTransfer initiates the on-chain ownership transfer for a fill where
// the local account is the seller. At most one submission per positionID for
// the process lifetime; a failed submission is not retried automatically,
// only through RetryTransfer.
func (c *Core) maybeTransfer(fill *book.Fill) {
	if !strings.EqualFold(fill.Seller, c.self) {
		return
	}
	c.mtx.Lock()
	if _, initiated := c.transfers[fill.PositionID]; initiated {
		c.mtx.Unlock()
		return
	}
	c.transfers[fill.PositionID] = struct{}{}
	c.mtx.Unlock()

	if c.chain == nil {
		c.log.Warnf("Position %d sold but no chain backend is configured. "+
			"The ownership transfer must be submitted externally.", fill.PositionID)
		c.emit(&Event{
			Type:       EventTransferInitiated,
			PositionID: fill.PositionID,
			Note:       "no chain backend configured",
		})
		return
	}

	buyer := common.HexToAddress(fill.Buyer)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.emit(&Event{Type: EventTransferInitiated, PositionID: fill.PositionID})
		c.log.Infof("Submitting ownership transfer of position %d to %s",
			fill.PositionID, buyer)
		if err := c.chain.TransferPosition(c.runCtx(), fill.PositionID, buyer); err != nil {
			c.log.Errorf("Transfer of position %d failed: %v", fill.PositionID, err)
			c.emit(&Event{
				Type:       EventTransferFailed,
				PositionID: fill.PositionID,
				Err:        pintel.NewError(ErrTransferFailure, err.Error()),
			})
		}
	}()
}

// RetryTransfer re-submits the ownership transfer for a recorded fill where
// this account is the seller. This is the user-action recovery path for a
// failed automatic submission; it blocks until the chain call returns.
func (c *Core) RetryTransfer(ctx context.Context, market string, positionID uint64) error {
	if c.chain == nil {
		return fmt.Errorf("no chain backend configured")
	}
	var fill *book.Fill
	for _, f := range c.store.Fills(book.MarketKey(market)) {
		if f.PositionID == positionID {
			fill = f
			break
		}
	}
	if fill == nil {
		return fmt.Errorf("no recorded fill for position %d", positionID)
	}
	if !strings.EqualFold(fill.Seller, c.self) {
		return fmt.Errorf("position %d was not sold by this account", positionID)
	}
	c.mtx.Lock()
	c.transfers[positionID] = struct{}{}
	c.mtx.Unlock()
	if err := c.chain.TransferPosition(ctx, positionID, common.HexToAddress(fill.Buyer)); err != nil {
		return pintel.NewError(ErrTransferFailure, err.Error())
	}
	return nil
}

// OpenPositions lists the position ids currently owned by the local account,
// delegated to the chain backend.
func (c *Core) OpenPositions(ctx context.Context) ([]uint64, error) {
	if c.chain == nil {
		return nil, fmt.Errorf("no chain backend configured")
	}
	return c.chain.OpenPositions(ctx)
}
