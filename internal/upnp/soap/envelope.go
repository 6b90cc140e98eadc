// Package soap builds UPnP SOAP 1.1 action requests and decodes their
// responses and faults.
package soap

import (
	"bytes"
	"strings"
)

// Arg is one action argument. Order matters to some devices.
type Arg struct {
	Name  string
	Value string
}

// ServiceURN returns the version 1 URN for a service kind such as
// "AVTransport".
func ServiceURN(kind string) string {
	return "urn:schemas-upnp-org:service:" + kind + ":1"
}

// ServiceKind extracts the kind from a service URN.
func ServiceKind(urn string) string {
	parts := strings.Split(urn, ":")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return urn
}

// BuildEnvelope renders the request envelope. Argument values are escaped
// for XML text context.
func BuildEnvelope(serviceURN string, action string, args []Arg) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString(`<s:Body><u:` + action + ` xmlns:u="` + xmlEscape(serviceURN) + `">`)
	for _, arg := range args {
		buf.WriteString("<" + arg.Name + ">")
		buf.WriteString(xmlEscape(arg.Value))
		buf.WriteString("</" + arg.Name + ">")
	}
	buf.WriteString(`</u:` + action + `></s:Body></s:Envelope>`)
	return buf.Bytes()
}

var escaper = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&quot;",
	`'`, "&apos;",
)

func xmlEscape(s string) string {
	return escaper.Replace(s)
}
