// Package kpath provides version information for the KPATH discovery
// service.
//
// KPATH is a semantic capability-discovery service: internal services
// register their capabilities in a registry, an index manager keeps an
// embedding index in sync with it, and clients find services through an
// access-filtered semantic search API.
package kpath
