// Package discovery lists the projects and BigQuery datasets a user can see.
//
// Both operations forward the caller's bearer token to Google and reshape the
// response. They are pure proxies: no caching, no sorting, no local filtering.
// Result pages are followed and concatenated in the order Google returns them.
//
// A single upstream attempt is made per page; transient failures are returned
// to the caller as apierr.KindUpstreamUnavailable for the user to retry.
package discovery
