package metaapi

import (
	"fmt"

	"github.com/smartrics/iotics-sparql-http/pkg/resultformat"
)

// Scope selects how far a query reaches across the network of hosts.
type Scope int32

const (
	ScopeGlobal Scope = 0
	ScopeLocal  Scope = 1
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "GLOBAL"
	case ScopeLocal:
		return "LOCAL"
	default:
		return fmt.Sprintf("Scope(%d)", int32(s))
	}
}

// ResultType is the backend's result serialization enum.
type ResultType int32

const (
	ResultSPARQLJSON  ResultType = 0
	ResultSPARQLXML   ResultType = 1
	ResultSPARQLCSV   ResultType = 2
	ResultRDFTurtle   ResultType = 3
	ResultRDFXML      ResultType = 4
	ResultRDFNTriples ResultType = 5
)

// ResultTypeFor maps a negotiated format to the backend enum.
func ResultTypeFor(f resultformat.Format) (ResultType, error) {
	switch f {
	case resultformat.SPARQLJSON:
		return ResultSPARQLJSON, nil
	case resultformat.SPARQLXML:
		return ResultSPARQLXML, nil
	case resultformat.SPARQLCSV:
		return ResultSPARQLCSV, nil
	case resultformat.RDFTurtle:
		return ResultRDFTurtle, nil
	case resultformat.RDFXML:
		return ResultRDFXML, nil
	case resultformat.RDFNTriples:
		return ResultRDFNTriples, nil
	default:
		return 0, fmt.Errorf("no backend result type for format %s", f)
	}
}

// Headers are attached to every request and echoed in responses.
type Headers struct {
	ClientRef      string   // 1
	ClientAppID    string   // 2
	TransactionRef []string // 3
}

// QueryPayload is the body of a SparqlQueryRequest.
type QueryPayload struct {
	ResultContentType ResultType // 1
	Query             []byte     // 2
}

type SparqlQueryRequest struct {
	Headers *Headers      // 1
	Scope   Scope         // 2
	Payload *QueryPayload // 3
}

// Status is the per chunk outcome. Code zero means OK.
type Status struct {
	Code    int32  // 1
	Message string // 2
}

// ResultPayload is one numbered fragment of a query result.
type ResultPayload struct {
	SeqNum      uint64  // 1
	Last        bool    // 2
	Status      *Status // 3
	ResultChunk []byte  // 4
}

type SparqlQueryResponse struct {
	Headers *Headers       // 1
	Payload *ResultPayload // 2
}
