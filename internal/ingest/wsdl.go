package ingest

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/doorman/gateway/internal/store"
)

// WSDLOperation is one operation discovered in a WSDL binding.
type WSDLOperation struct {
	Name       string
	SOAPAction string
	SOAP12     bool // bound via a SOAP 1.2 binding
}

// wsdlDoc mirrors the subset of WSDL 1.1 the importer reads: bindings and
// their operations with soap:operation soapAction attributes. Everything
// else (types, messages, portTypes) is ignored — dispatch is passthrough,
// so only the operation surface matters.
type wsdlDoc struct {
	XMLName  xml.Name      `xml:"definitions"`
	Bindings []wsdlBinding `xml:"binding"`
	Services []wsdlService `xml:"service"`
}

type wsdlBinding struct {
	Name       string          `xml:"name,attr"`
	SOAP       *soapBinding    `xml:"http://schemas.xmlsoap.org/wsdl/soap/ binding"`
	SOAP12     *soapBinding    `xml:"http://schemas.xmlsoap.org/wsdl/soap12/ binding"`
	Operations []wsdlOperation `xml:"operation"`
}

type soapBinding struct {
	Transport string `xml:"transport,attr"`
}

type wsdlOperation struct {
	Name   string       `xml:"name,attr"`
	SOAP   *soapOpEntry `xml:"http://schemas.xmlsoap.org/wsdl/soap/ operation"`
	SOAP12 *soapOpEntry `xml:"http://schemas.xmlsoap.org/wsdl/soap12/ operation"`
}

type soapOpEntry struct {
	SOAPAction string `xml:"soapAction,attr"`
}

type wsdlService struct {
	Name  string     `xml:"name,attr"`
	Ports []wsdlPort `xml:"port"`
}

type wsdlPort struct {
	Name    string       `xml:"name,attr"`
	Address *soapAddress `xml:"http://schemas.xmlsoap.org/wsdl/soap/ address"`
}

type soapAddress struct {
	Location string `xml:"location,attr"`
}

// ParseWSDL extracts the SOAP operations from a WSDL 1.1 document. The
// decoder is plain encoding/xml with no external entity resolution, so a
// hostile document cannot reach the filesystem or network (XXE-safe by
// construction).
func ParseWSDL(doc []byte) ([]WSDLOperation, error) {
	var parsed wsdlDoc
	if err := xml.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("ingest: parse wsdl: %w", err)
	}

	seen := make(map[string]bool)
	var ops []WSDLOperation
	for _, b := range parsed.Bindings {
		soap12 := b.SOAP12 != nil && b.SOAP == nil
		for _, op := range b.Operations {
			if op.Name == "" || seen[op.Name] {
				continue
			}
			seen[op.Name] = true
			action := ""
			if op.SOAP != nil {
				action = op.SOAP.SOAPAction
			} else if op.SOAP12 != nil {
				action = op.SOAP12.SOAPAction
			}
			ops = append(ops, WSDLOperation{Name: op.Name, SOAPAction: action, SOAP12: soap12})
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("ingest: wsdl document declares no soap operations")
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops, nil
}

// EndpointsFromWSDL derives one POST endpoint per WSDL operation, each
// carrying its SOAPAction so the dispatcher can set the action header.
func EndpointsFromWSDL(apiName, apiVersion string, doc []byte) ([]*store.Endpoint, error) {
	ops, err := ParseWSDL(doc)
	if err != nil {
		return nil, err
	}
	endpoints := make([]*store.Endpoint, 0, len(ops))
	for _, op := range ops {
		endpoints = append(endpoints, &store.Endpoint{
			EndpointID: uuid.NewString(),
			APIName:    apiName,
			APIVersion: apiVersion,
			Method:     "POST",
			URI:        "/" + strings.TrimPrefix(op.Name, "/"),
			SOAPAction: op.SOAPAction,
		})
	}
	return endpoints, nil
}
