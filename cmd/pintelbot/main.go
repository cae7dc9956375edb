// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// pintelbot is a headless Pintel order-book client: it connects to the relay,
// joins the configured markets, and keeps their books synchronized, logging
// book and connectivity events as they arrive.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	pintel "github.com/Not-Sarthak/pintel"
	"github.com/Not-Sarthak/pintel/core"
	"github.com/Not-Sarthak/pintel/relay/nrpc"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"
)

const appVersion = "0.1.0"

func main() {
	if err := mainErr(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainErr() error {
	cfg, err := configure()
	if err != nil {
		return err
	}
	if cfg.ShowVer {
		fmt.Printf("pintelbot version %s\n", appVersion)
		return nil
	}
	if cfg.PrivKey == "" {
		return fmt.Errorf("no account private key configured. Set privkey in %s",
			filepath.Join(cfg.AppData, configFilename))
	}

	lm, closeLogger, err := initLogging(
		filepath.Join(cfg.AppData, logFilename), cfg.DebugLevel, cfg.LogStdout, !cfg.LocalLogs)
	if err != nil {
		return err
	}
	defer closeLogger()
	log := lm.NewLogger("BOT")

	wallet, err := newKeyWallet(cfg.PrivKey)
	if err != nil {
		return fmt.Errorf("bad account key: %w", err)
	}
	log.Infof("Starting pintelbot %s as %s", appVersion, wallet.Address())

	c, err := core.New(&core.Config{
		Logger:    lm.NewLogger("CORE"),
		RelayURL:  cfg.RelayURL,
		FaucetURL: cfg.FaucetURL,
		Wallet:    wallet,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	go logEvents(log, c)

	if err := c.Login(ctx); err != nil {
		stop()
		<-done
		return fmt.Errorf("relay login failed: %w", err)
	}
	var joins errgroup.Group
	for _, market := range cfg.Markets {
		joins.Go(func() error {
			if err := c.JoinMarket(ctx, market); err != nil {
				return fmt.Errorf("failed to join market %s: %w", market, err)
			}
			log.Infof("Joined market %s", market)
			return nil
		})
	}
	if err := joins.Wait(); err != nil {
		log.Errorf("%v", err)
	}

	<-done
	return nil
}

// logEvents drains the core event feed into the log.
func logEvents(log pintel.Logger, c *core.Core) {
	for ev := range c.Next() {
		switch ev.Type {
		case core.EventError, core.EventTransferFailed:
			log.Errorf("%s: %s", ev.Type, ev.Note)
		case core.EventDisconnected:
			log.Warnf("relay disconnected")
		case core.EventReconnecting:
			log.Warnf("reconnecting in %s", ev.Countdown)
		case core.EventOnline:
			log.Infof("market %s online traders: %s", ev.Market, strings.Join(ev.Online, ", "))
		case core.EventBalances:
			log.Infof("balances: %s", formatBalances(c.Balances()))
		default:
			if ev.Market != "" {
				log.Infof("%s (market %s)", ev.Type, ev.Market)
			} else {
				log.Infof("%s", ev.Type)
			}
		}
	}
}

func formatBalances(bals []nrpc.Balance) string {
	if len(bals) == 0 {
		return "(none)"
	}
	parts := make([]string, len(bals))
	for i, b := range bals {
		parts[i] = b.Amount + " " + b.Asset
	}
	return strings.Join(parts, ", ")
}

// keyWallet is a raw private-key signer for development and testing. It signs
// relay challenges with an Ethereum personal-message signature.
type keyWallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newKeyWallet(hexKey string) (*keyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, err
	}
	return &keyWallet{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (w *keyWallet) Address() common.Address { return w.addr }

func (w *keyWallet) SignChallenge(_ context.Context, challenge string, _ *nrpc.AuthParams) ([]byte, error) {
	return crypto.Sign(accounts.TextHash([]byte(challenge)), w.key)
}
