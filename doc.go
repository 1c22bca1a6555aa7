// Package issuer is an embeddable OAuth 2.0 / OIDC token issuance engine.
//
// It implements the token endpoint half of an authorization server: client
// authentication, grant validation and redemption (authorization_code with
// PKCE, client_credentials, refresh_token with rotation, and the device
// flow), signed JWT minting, and OIDC back-channel logout. Authorization UI,
// consent, and user authentication are left to the embedding application.
//
// The Server type wires the pieces together over pluggable storage; Handler
// adapts it to net/http:
//
//	store := memory.New()
//	km, _ := keys.NewKeyManager()
//	srv, _ := issuer.NewServer(issuer.Config{Issuer: "https://auth.example.com"}, store, store, km)
//	mux := http.NewServeMux()
//	issuer.NewHandler(srv, nil).RegisterRoutes(mux)
package issuer
