package main

import (
	"context"
	"flag"
	"os"

	"github.com/corewire/sipstack"
	"github.com/corewire/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	extIP := flag.String("ip", "127.0.0.1:5060", "My exernal ip")
	dst := flag.String("dst", "127.0.0.2:5060", "Destination pbx, sip server")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	ua, err := sipstack.NewUA()
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup user agent")
	}

	srv, err := sipstack.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup server handle")
	}
	client, err := sipstack.NewClient(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup client handle")
	}

	h := &Handler{
		c:   client,
		dst: *dst,
	}

	setupRoutes(srv, h)

	log.Info().Str("ip", *extIP).Str("dst", *dst).Msg("Starting server")
	if err := srv.ListenAndServe(context.TODO(), "udp", *extIP); err != nil {
		log.Error().Err(err).Msg("Fail to serve")
	}
}

func setupRoutes(srv *sipstack.Server, h *Handler) {
	srv.OnInvite(h.route)
	srv.OnAck(h.route)
	srv.OnCancel(h.route)
	srv.OnBye(h.route)
}

type Handler struct {
	c   *sipstack.Client
	dst string
}

func (h *Handler) proxyDestination() string {
	return h.dst
}

// route proxies every in-dialog request it sees straight to dst, logging the
// method as a cheap substitute for tracking dialog state across the exchange.
func (h *Handler) route(req *sip.Request, tx sip.ServerTransaction) {
	dst := h.proxyDestination()
	req.SetDestination(dst)
	ctx := context.Background()

	log.Info().Str("method", req.Method.String()).Str("callid", req.CallID().Value()).Msg("Relaying request -->")

	// ACK has no transaction representation of its own on the server side
	if req.IsAck() {
		if err := h.c.WriteRequest(req); err != nil {
			log.Error().Err(err).Msg("Send failed")
			reply(tx, req, 500, "")
		}
		return
	}

	// Start client transaction and relay our request
	clTx, err := h.c.TransactionRequest(ctx, req, sipstack.ClientRequestAddVia, sipstack.ClientRequestAddRecordRoute)
	if err != nil {
		log.Error().Err(err).Msg("RequestWithContext failed")
		reply(tx, req, 500, "")
		return
	}
	defer clTx.Terminate()

	tx.OnCancel(func(r *sip.Request) {
		reply(tx, r, 200, "OK")
	})

	for {
		select {
		case res, more := <-clTx.Responses():
			if !more {
				return
			}
			res.SetDestination(req.Source())
			res.RemoveHeader("Via")
			if err := tx.Respond(res); err != nil {
				log.Error().Err(err).Msg("ResponseHandler transaction respond failed")
			}

		case <-clTx.Done():
			if err := clTx.Err(); err != nil {
				log.Error().Err(err).Str("req", req.Method.String()).Msg("Client transaction done with error")
			}
			return

		case <-tx.Done():
			log.Debug().Str("req", req.Method.String()).Msg("Transaction done")
			return
		}
	}
}

func reply(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	resp.SetDestination(req.Source())
	if err := tx.Respond(resp); err != nil {
		log.Error().Err(err).Msg("Fail to respond on transaction")
	}
}
