package repository

import (
	"rustic/id"
)

// ConfigFile is the repository's single config object, written once at
// init and never mutated, per spec.md §3.
type ConfigFile struct {
	Version            int    `json:"version"`
	ID                 id.Id  `json:"id"`
	ChunkerPolynomial  string `json:"chunker_polynomial"`
}

// SupportsCompression reports whether this config version allows
// CompData/CompTree pack header entries (version 2 only).
func (c ConfigFile) SupportsCompression() bool {
	return c.Version >= 2
}
