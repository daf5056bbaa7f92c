// Package experiment implements A/B test lifecycle management.
//
// The service layer contains all business logic for building variant sets,
// ingesting engagement events, computing statistical significance, and
// committing a winner exactly once. It depends on the repository interface
// defined in this package and should never import from api/.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package experiment
