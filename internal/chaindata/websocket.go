package chaindata

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/rs/zerolog"
)

const wsReconnectDelay = 2 * time.Second

// WebsocketSource streams program account writes over a websocket
// subscription, reconnecting with a fixed delay on any failure.
type WebsocketSource struct {
	url       string
	programID solana.PublicKey
	log       zerolog.Logger
}

// NewWebsocketSource creates a websocket source for one program.
func NewWebsocketSource(url string, programID solana.PublicKey, log zerolog.Logger) *WebsocketSource {
	return &WebsocketSource{url: url, programID: programID, log: log}
}

// Run streams account updates until the context ends.
func (w *WebsocketSource) Run(ctx context.Context, out chan<- AccountUpdate) {
	for ctx.Err() == nil {
		if err := w.streamOnce(ctx, out); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("websocket stream failed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (w *WebsocketSource) streamOnce(ctx context.Context, out chan<- AccountUpdate) error {
	client, err := ws.Connect(ctx, w.url)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.ProgramSubscribeWithOpts(
		w.programID,
		rpc.CommitmentProcessed,
		solana.EncodingBase64,
		nil,
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	w.log.Info().Str("program", w.programID.String()).Msg("websocket subscribed")

	for {
		got, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if got == nil || got.Value.Account == nil {
			continue
		}

		update := AccountUpdate{
			Pubkey:   got.Value.Pubkey,
			Slot:     got.Context.Slot,
			Lamports: got.Value.Account.Lamports,
			Owner:    got.Value.Account.Owner,
			Data:     got.Value.Account.Data.GetBinary(),
		}

		select {
		case out <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
