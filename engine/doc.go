// Package engine implements the token-endpoint decision logic: client
// authentication and request validation, grant-type dispatch through a
// handler registry, and assembly of signed token responses.
//
// The engine performs no HTTP parsing and owns no persistence. It consumes
// the storage interfaces for client lookup and persisted-grant redemption,
// and the keys package for signing credentials. The HTTP binding in the
// root package translates between the wire format and these types.
//
// New grant types plug in through the GrantHandler interface without
// modifying the engine; built-in handlers cover authorization_code,
// client_credentials, refresh_token, and the device-code grant.
package engine
