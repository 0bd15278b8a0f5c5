// Package server exposes the collaboration hub over HTTP.
//
// The Server mounts a chi router with these routes:
//
//	GET /realtime/{docID}               WebSocket endpoint for one document
//	GET /api/documents                  live sessions (and stored ones with ?stored=true)
//	GET /api/documents/{docID}/content  current text, live or stored
//	GET /healthz                        liveness
//	GET /metrics                        Prometheus exposition
//
// Realtime connections are upgraded with gorilla/websocket and handed to a
// realtime.Directory, which shares one session per document among all its
// clients. When the last client leaves, the final text is written to the
// configured storage.Store. Live documents are also flushed periodically and
// once more on Shutdown.
//
// # Security
//
// Cross-origin WebSocket requests are rejected unless listed in
// Config.AllowedOrigins. With an Authenticator configured, every realtime
// and API request must carry a valid token.
//
// # Usage
//
//	srv, err := server.New(server.DefaultConfig(), store,
//	    server.WithLogger(logger),
//	    server.WithAuthenticator(authenticator),
//	)
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx)
package server
