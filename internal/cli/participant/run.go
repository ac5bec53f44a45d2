package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/callfiles/internal/audit"
	"github.com/sheerbytes/callfiles/internal/callctx"
	"github.com/sheerbytes/callfiles/internal/clienthttp"
	"github.com/sheerbytes/callfiles/internal/config"
	"github.com/sheerbytes/callfiles/internal/fallback"
	"github.com/sheerbytes/callfiles/internal/signaling"
	"github.com/sheerbytes/callfiles/internal/transferwebrtc"
	"github.com/sheerbytes/callfiles/internal/wsclient"
	"github.com/sheerbytes/callfiles/internal/xferr"
)

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	JoinCode  string `json:"join_code"`
	ExpiresAt string `json:"expires_at"`
}

// CreateRoom asks the room server for a new join code.
func CreateRoom(ctx context.Context, serverURL string) (string, error) {
	var resp createSessionResponse
	err := clienthttp.New(serverURL, callctx.New("", "", "", nil), nil).Do(ctx, clienthttp.Request{
		Method: http.MethodPost,
		Path:   "/session",
		Kind:   xferr.ErrSignaling,
		Op:     "create room",
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.JoinCode == "" {
		return "", fmt.Errorf("%w: room server returned no join code", xferr.ErrSignaling)
	}
	return resp.JoinCode, nil
}

// Run joins the configured room (creating one when no join code is set) and
// runs a participant until ctx is done or the connection to the room drops.
func Run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.JoinCode == "" {
		code, err := CreateRoom(ctx, cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		cfg.JoinCode = code
		logger.Info("room created", "join_code", code)
	}

	wsURL, err := wsclient.BuildURL(cfg.ServerURL, cfg.JoinCode, cfg.PeerID)
	if err != nil {
		return err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return err
	}
	ch := wsclient.NewChannel(conn, cfg.PeerID, logger)
	defer ch.Close()

	// the join code is the call identifier every participant knows
	call := callctx.New(cfg.JoinCode, cfg.PeerID, cfg.AccessToken, nil)
	opts := Options{
		Call:    call,
		NewPeer: signaling.PionFactory(transferwebrtc.PeerConnectionConfig(cfg.ICEServers)),
		Logger:  logger,
	}
	if cfg.APIBase != "" {
		api := clienthttp.New(cfg.APIBase, call, nil)
		t := cfg.Transfer
		opts.Fallback = fallback.New(fallback.Config{
			API:      api,
			Channel:  ch,
			Enabled:  t.FallbackEnabled,
			Encrypt:  t.FallbackEncrypt,
			MaxBytes: t.FallbackMaxBytes,
			Logger:   logger,
		})
		opts.Audit = audit.New(api, logger)
	}

	p, err := New(cfg, ch, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ch.Run(gctx)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("room connection closed")
		}
		return err
	})
	g.Go(func() error {
		return p.Run(gctx)
	})
	return g.Wait()
}
