// Package provider talks to a single Mastodon instance over OAuth2.
//
// Mastodon is not an OIDC provider: there is no discovery document and no ID
// token. A login builds the authorization URL by hand, exchanges the code at
// /oauth/token and reads the account back from
// /api/v1/accounts/verify_credentials:
//
//	cfg, err := provider.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	host, err := cfg.ResolveInstanceHost("fosstodon.org")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := provider.NewClient(cfg, host)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	authURL, state, err := client.AuthorizationURL(nil)
//
// Every instance is a separate OAuth2 server, so a Client is bound to one
// host and is cheap to create per request.
package provider
