// Package auth authenticates collaboration clients at connection time.
//
// Clients present a signed token (HS256 JWT) either as an
// "Authorization: Bearer" header or, since browsers cannot set headers on a
// WebSocket handshake, as a "token" query parameter. A successful check
// yields a Principal that the realtime layer carries on the connection
// without interpreting it.
//
// When anonymous access is allowed, requests without a token get a fresh
// anonymous Principal. A token that is present but invalid is always
// rejected.
//
// # Usage
//
//	a, err := auth.NewAuthenticator(auth.Config{Secret: secret, AllowAnonymous: true})
//	if err != nil {
//	    return err
//	}
//	r.With(auth.Middleware(a, logger)).Get("/realtime/{docID}", handler)
//
// Handlers read the principal back with FromContext.
package auth
