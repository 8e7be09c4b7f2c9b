// Command feedctl is a diagnostic CLI: it dials a single vendor
// streaming connection with configured credentials, subscribes to one
// token, and prints every decoded tick and acknowledgement to stdout.
// Unlike feedengine it drives streamconn.Connection directly with
// constructor-supplied handlers rather than the Feed Manager's
// setter-based wiring, since there is no Registry or Dispatcher to
// route through here.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/dhanstream/marketfeed/config"
	"github.com/dhanstream/marketfeed/decoder"
	"github.com/dhanstream/marketfeed/session"
	"github.com/dhanstream/marketfeed/streamconn"
	"github.com/dhanstream/marketfeed/vendorproto"
)

func main() {
	mode := flag.String("mode", "ltp", "stream mode: ltp or snapquote")
	exchange := flag.String("exchange", "NSE", "exchange segment name")
	token := flag.Int64("token", 0, "instrument token to subscribe")
	flag.Parse()

	if *token == 0 {
		fmt.Fprintln(os.Stderr, "feedctl: -token is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "feedctl: load config:", err)
		os.Exit(1)
	}

	streamMode := vendorproto.ModeLTP
	if *mode == "snapquote" {
		streamMode = vendorproto.ModeSnapQuote
	}

	onTick := func(epoch uint64, kind decoder.FrameKind, payload interface{}) {
		out, _ := json.Marshal(payload)
		fmt.Printf("[epoch %d] %v %s\n", epoch, kind, out)
	}
	onAck := func(epoch uint64, ack decoder.Acknowledgement) {
		fmt.Printf("[epoch %d] ack status=%d message=%s\n", epoch, ack.StatusCode, ack.MessageID)
	}

	issuer := session.NewJWTIssuer([]byte(cfg.JWT.Secret), cfg.Feed.APIKey, cfg.Feed.ClientCode, cfg.Feed.TOTPSeed)

	connCfg := streamconn.Config{Mode: streamMode, URL: cfg.Feed.WSURL}
	connCfg.Validate()

	conn := streamconn.New(connCfg, nil, issuer, &decoder.Stats{}, onTick, onAck)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn.Send(vendorproto.SubscribeFrame{
		CorrelationID: uuid.NewString(),
		Action:        vendorproto.ActionSubscribe,
		Params: vendorproto.SubscribeParams{
			Mode: streamMode,
			TokenList: []vendorproto.TokenList{
				{ExchangeType: vendorproto.Detect(*exchange), Tokens: []int64{*token}},
			},
		},
	})

	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "feedctl: connection stopped:", err)
		os.Exit(1)
	}
}
