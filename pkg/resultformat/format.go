// Package resultformat maps HTTP media types onto the closed set of result
// serializations the backend can produce.
package resultformat

import (
	"strings"
)

// Format is a negotiated result serialization.
type Format int

const (
	// Absent is the zero value, used when no format has been negotiated yet.
	Absent Format = iota
	// Unrecognized is assigned to media types that cannot be served. It is
	// always rejected, never defaulted.
	Unrecognized

	SPARQLXML
	SPARQLJSON
	SPARQLCSV
	RDFXML
	RDFTurtle
	RDFNTriples
)

// Default is used when the client sends no Accept header or a wildcard.
const Default = SPARQLJSON

// Class groups formats by the shape of the result they carry.
type Class int

const (
	Unclassified Class = iota
	// Tabular formats carry variable bindings or a boolean (SELECT, ASK).
	Tabular
	// Graph formats carry RDF statements (CONSTRUCT, DESCRIBE).
	Graph
)

var byMIME = map[string]Format{
	"application/sparql-results+xml":  SPARQLXML,
	"application/sparql-results+json": SPARQLJSON,
	"text/csv":                        SPARQLCSV,
	"application/rdf+xml":             RDFXML,
	"text/turtle":                     RDFTurtle,
	"application/x-turtle":            RDFTurtle,
	"application/n-triples":           RDFNTriples,

	// known to SPARQL clients, not produced by the backend
	"text/tab-separated-values": Unrecognized,
	"application/n-quads":       Unrecognized,
	"application/ld+json":       Unrecognized,
	"application/rdf+json":      Unrecognized,
	"application/x-binary-rdf":  Unrecognized,
}

var toMIME = map[Format]string{
	SPARQLXML:   "application/sparql-results+xml",
	SPARQLJSON:  "application/sparql-results+json",
	SPARQLCSV:   "text/csv",
	RDFXML:      "application/rdf+xml",
	RDFTurtle:   "text/turtle",
	RDFNTriples: "application/n-triples",
}

// MIMETypes lists every media type that negotiates to a servable format, in
// the order they are advertised.
func MIMETypes() []string {
	return []string{
		"application/sparql-results+xml",
		"application/sparql-results+json",
		"text/csv",
		"application/rdf+xml",
		"text/turtle",
		"application/x-turtle",
		"application/n-triples",
	}
}

// FromMIME looks up a bare media type (no parameters). Unknown values map to
// Unrecognized.
func FromMIME(mime string) Format {
	if f, ok := byMIME[strings.ToLower(strings.TrimSpace(mime))]; ok {
		return f
	}
	return Unrecognized
}

// Negotiate resolves the raw value of an Accept header. Only the first media
// range is honoured and its parameters (including q) are discarded. An absent
// header gets the default format, an empty first range does not.
func Negotiate(accept string) Format {
	if strings.TrimSpace(accept) == "" {
		return Default
	}
	first, _, _ := strings.Cut(accept, ",")
	first, _, _ = strings.Cut(first, ";")
	first = strings.TrimSpace(first)
	if first == "*/*" {
		return Default
	}
	return FromMIME(first)
}

// MIME returns the Content-Type used when responding in f, or the empty
// string for Absent and Unrecognized.
func (f Format) MIME() string {
	return toMIME[f]
}

// Class reports whether f is a tabular or a graph format.
func (f Format) Class() Class {
	switch f {
	case SPARQLXML, SPARQLJSON, SPARQLCSV:
		return Tabular
	case RDFXML, RDFTurtle, RDFNTriples:
		return Graph
	default:
		return Unclassified
	}
}

func (f Format) IsTabular() bool { return f.Class() == Tabular }

func (f Format) IsGraph() bool { return f.Class() == Graph }

// Valid reports whether f can be requested from the backend.
func (f Format) Valid() bool {
	return f.Class() != Unclassified
}

func (f Format) String() string {
	switch f {
	case Absent:
		return "ABSENT"
	case Unrecognized:
		return "UNRECOGNIZED"
	case SPARQLXML:
		return "SPARQL_XML"
	case SPARQLJSON:
		return "SPARQL_JSON"
	case SPARQLCSV:
		return "SPARQL_CSV"
	case RDFXML:
		return "RDF_XML"
	case RDFTurtle:
		return "RDF_TURTLE"
	case RDFNTriples:
		return "RDF_NTRIPLES"
	default:
		return "UNKNOWN"
	}
}

func (c Class) String() string {
	switch c {
	case Tabular:
		return "tabular"
	case Graph:
		return "graph"
	default:
		return "unclassified"
	}
}
