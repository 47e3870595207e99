package server

import (
	"encoding/json"

	"github.com/smartrics/iotics-sparql-http/pkg/metaapi"
	"github.com/smartrics/iotics-sparql-http/pkg/resultformat"
)

const (
	serviceDescriptionContentType = "application/ld+json"

	sparqlPath      = "/sparql"
	sparqlLocalPath = "/sparql/local"
)

type idRef struct {
	ID string `json:"@id"`
}

type resultFormatEntry struct {
	ContentType string `json:"sd:contentType"`
}

// serviceDescription is a SPARQL 1.1 service description in JSON-LD.
type serviceDescription struct {
	Context               map[string]string   `json:"@context"`
	Type                  string              `json:"@type"`
	Endpoint              idRef               `json:"sd:endpoint"`
	SparqlEndpoint        idRef               `json:"void:sparqlEndpoint"`
	Name                  string              `json:"sd:name"`
	Description           string              `json:"sd:description"`
	SupportsQueryLanguage idRef               `json:"sd:supportsQueryLanguage"`
	ResultFormat          []resultFormatEntry `json:"sd:resultFormat"`
	Triplestore           string              `json:"void:triplestore"`
}

func endpointPath(scope metaapi.Scope) string {
	if scope == metaapi.ScopeLocal {
		return sparqlLocalPath
	}
	return sparqlPath
}

// describe renders the service description of the endpoint serving scope.
func describe(scope metaapi.Scope) ([]byte, error) {
	endpoint := endpointPath(scope)

	formats := make([]resultFormatEntry, 0, len(resultformat.MIMETypes()))
	for _, m := range resultformat.MIMETypes() {
		formats = append(formats, resultFormatEntry{ContentType: m})
	}

	return json.Marshal(serviceDescription{
		Context: map[string]string{
			"sd":   "http://www.w3.org/ns/sparql-service-description#",
			"void": "http://www.w3.org/ns/void#",
		},
		Type:                  "sd:Service",
		Endpoint:              idRef{ID: endpoint},
		SparqlEndpoint:        idRef{ID: endpoint},
		Name:                  "IOTICS SPARQL Endpoint",
		Description:           "This is a SPARQL endpoint for accessing IOTICSpace via HTTP",
		SupportsQueryLanguage: idRef{ID: "sd:SPARQL11Query"},
		ResultFormat:          formats,
		Triplestore:           "IOTICSpace",
	})
}
