// Package mocksmith provides the HTTP surface of a mock API server with a
// real authentication subsystem: password registration and login, federated
// OAuth sign-in, and MFA step-up, all reconciled into a single cookie-held
// session.
//
// The package wires the auth state machine (package server), the pluggable
// storage backends (package storage and its subpackages), the OAuth provider
// registry (package providers), and the generic paginated resource store
// (package resources) behind one chi router. Construct a Handler with
// NewHandler and mount it on any http.Server:
//
//	srv, err := server.New(users, sessions, challenges, registry, nil, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	handler := mocksmith.NewHandler(srv, store, config, logger)
//	http.ListenAndServe(":3001", handler.Routes())
//
// All error responses share the {error, details} shape; status codes are
// part of the contract and documented on each route in handler.go.
package mocksmith
