// Package gcp builds Google API clients that act as the calling user.
//
// Every client is constructed per request from the caller's OAuth access
// token through a static oauth2.TokenSource. Nothing is cached between
// requests and no application default credentials are ever consulted, so
// one user's token can never serve another user's call.
//
// Errors returned by the Google API libraries are classified onto the
// apierr taxonomy by Classify.
package gcp
