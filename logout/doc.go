// Package logout implements OIDC back-channel logout: when a subject's
// session ends, every client holding an active grant for that subject is
// notified with a signed logout token delivered by direct HTTP POST.
//
// Notifications are delivered in parallel with a bounded worker count, and
// one client's unreachable endpoint never prevents delivery to the others.
package logout
