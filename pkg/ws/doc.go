// Package ws is the real-time delivery layer: authenticated WebSocket connections,
// admission control, topic and per-user fan-out, heartbeat pruning and an offline
// queue drained on reconnect.
//
// # Basic Usage
//
//	hub, err := ws.NewHub(
//	    ws.WithStore(st),
//	    ws.WithVerifier(verifier),
//	    ws.WithLogger(log),
//	    ws.WithCheckOriginWhitelist("https://app.example.com"),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := hub.Start(ctx); err != nil {
//	    return err
//	}
//	defer hub.Close(shutdownCtx)
//
//	r.GET("/ws", func(c *gin.Context) {
//	    _ = hub.HandleUpgrade(c.Writer, c.Request)
//	})
//
// # Handshake
//
// The token is read from the token query parameter, an Authorization bearer header
// or the Sec-WebSocket-Protocol pair "bearer, <token>". Authentication failures are
// closed with 1008, admission rejections (rate_limited, too_many_connections,
// store_unavailable) with 1013. Admission counters live in the shared store so every
// instance enforces the same quota; when the store is unreachable the handshake is
// rejected.
//
// # Delivery
//
//	hub.SendPaymentUpdate(ctx, userID, ws.PaymentUpdate{Type: "payment_processed", PaymentID: id})
//	hub.EmitJobUpdate(ctx, jobID, ws.JobUpdate{Status: "assigned"})
//	hub.BroadcastSystemMessage(ctx, "maintenance at 02:00")
//
// Messages for users with no live connection, or whose connections all failed to
// accept the frame, go to the OfflineQueue (bounded, drop-oldest) and are written as
// one "notifications" frame right after the next successful handshake. With a
// Backbone configured, every emission is relayed to the other instances.
//
// # Inbound Messages
//
// Clients send {type, payload, request_id}. heartbeat, ping, subscribe and
// unsubscribe are built in; domain types are registered before Start:
//
//	ws.HandleTyped(hub, ws.TypeJobStatus, func(c *ws.Conn, p *ws.JobStatusPayload) error {
//	    return jobs.UpdateStatus(c.Context(), p.JobID, p.Status)
//	})
//
// More than MaxInvalidMessages consecutive malformed frames close the connection with 1008.
package ws
