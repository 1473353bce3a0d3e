package client

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/backend"
	"github.com/ZentaChain/zentalk-sync/pkg/config"
	"github.com/ZentaChain/zentalk-sync/pkg/crypto"
	"github.com/ZentaChain/zentalk-sync/pkg/envelope"
	"github.com/ZentaChain/zentalk-sync/pkg/network"
)

// FromConfig builds an engine talking to the configured backend over
// HTTP and websockets. Keys are unlocked from the keystore directory.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Engine, *crypto.Keystore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api, err := backend.NewClient(backend.Config{
		BaseURL:   cfg.BackendURL,
		APIKey:    cfg.APIKey,
		AccountID: cfg.AccountID,
		UserID:    cfg.UserID,
	})
	if err != nil {
		return nil, nil, err
	}

	clk := clock.New()
	creds := network.NewCredentialStore(api.Session, clk)
	api.SetTokenSource(func(ctx context.Context) (string, error) {
		cred, err := creds.Credential(ctx)
		if err != nil {
			return "", err
		}
		return cred.Token, nil
	})

	keys, err := crypto.NewKeystore(cfg.KeystoreDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open keystore: %w", err)
	}

	engine, err := NewEngine(Options{
		Backend:           api,
		Credentials:       creds,
		Dialer:            network.NewWebsocketDialer(),
		Unlocker:          keys,
		Codec:             envelope.NewCodec(nil, logger.Named("envelope")),
		BaseURL:           cfg.BackendURL,
		AccountID:         cfg.AccountID,
		APIKey:            cfg.APIKey,
		KeepaliveInterval: cfg.KeepaliveInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		ConversationTTL:   cfg.ConversationTTL,
		MessageTTL:        cfg.MessageTTL,
		PageCapacity:      cfg.MessagePageCapacity,
		TypingTimeout:     cfg.TypingTimeout,
		TypingSweep:       cfg.TypingSweepInterval,
		ReadDwell:         cfg.ReadDwell,
		ReadVisibility:    cfg.ReadVisibility,
		Clock:             clk,
		Logger:            logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, keys, nil
}
