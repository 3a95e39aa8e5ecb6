// Package triplestore is the persistence facade: it translates engine
// entities to and from subject/predicate/object triples and consumes the
// backing graph store only through Put and Query. The store's query
// language is not part of the engine's contract.
package triplestore

import "context"

// Triple is one subject/predicate/object statement.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// Pattern matches triples; empty fields are wildcards.
type Pattern struct {
	Subject   string
	Predicate string
	Object    string
}

// Matches reports whether a triple matches the pattern.
func (p Pattern) Matches(t Triple) bool {
	if p.Subject != "" && p.Subject != t.Subject {
		return false
	}
	if p.Predicate != "" && p.Predicate != t.Predicate {
		return false
	}
	if p.Object != "" && p.Object != t.Object {
		return false
	}
	return true
}

// TripleStore is the narrow contract the engine holds against the graph
// store. Put upserts the statement for (subject, predicate) pairs the
// engine treats as single-valued and appends otherwise; Query returns all
// matching triples.
type TripleStore interface {
	Put(ctx context.Context, subject, predicate, object string) error
	Query(ctx context.Context, pattern Pattern) ([]Triple, error)

	// DeleteSubject removes every triple with the given subject. Used to
	// rewrite an entity's statements on upsert.
	DeleteSubject(ctx context.Context, subject string) error

	// Close releases the store's resources.
	Close() error
}
