// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package prop holds the canonical representation of a WebDAV resource
// property. Adapters store and return properties in this shape; the dav
// service parses request bodies into it and serializes it back.
package prop

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// NsDav is the WebDAV namespace.
const NsDav = "DAV:"

// keySep separates namespace and local name in storage keys.
const keySep = "%%"

// Property represents a single DAV resource property as defined in RFC 4918.
// http://www.webdav.org/specs/rfc4918.html#data.model.for.resource.properties
type Property struct {
	// XMLName is the fully qualified name that identifies this property.
	XMLName xml.Name

	// Lang is an optional xml:lang attribute.
	Lang string `xml:"xml:lang,attr,omitempty"`

	// InnerXML contains the XML representation of the property value.
	// See http://www.webdav.org/specs/rfc4918.html#property_values
	//
	// Property values of complex type or mixed-content must have fully
	// expanded XML namespaces or be self-contained with according
	// XML namespace declarations. They must not rely on any XML
	// namespace declarations within the scope of the XML document,
	// even including the DAV: namespace.
	InnerXML []byte `xml:",innerxml"`
}

// New returns a property in the DAV: namespace with an xml-escaped value.
func New(local, val string) *Property {
	return &Property{
		XMLName:  xml.Name{Space: NsDav, Local: local},
		InnerXML: xmlEscaped(val),
	}
}

// NewNS returns a property in the given namespace with an xml-escaped value.
func NewNS(space, local, val string) *Property {
	return &Property{
		XMLName:  xml.Name{Space: space, Local: local},
		InnerXML: xmlEscaped(val),
	}
}

// NewRaw returns a DAV: property whose value is used verbatim. The caller is
// responsible for the fragment being self-contained.
func NewRaw(local, val string) *Property {
	return &Property{
		XMLName:  xml.Name{Space: NsDav, Local: local},
		InnerXML: []byte(val),
	}
}

// Key returns the storage key for a qualified property name: the bare local
// name for the DAV: namespace, "<uri>%%<local>" for any other.
func Key(n xml.Name) string {
	if n.Space == NsDav || n.Space == "" {
		return n.Local
	}
	return n.Space + keySep + n.Local
}

// ParseKey is the inverse of Key.
func ParseKey(key string) xml.Name {
	if i := strings.Index(key, keySep); i >= 0 {
		return xml.Name{Space: key[:i], Local: key[i+len(keySep):]}
	}
	return xml.Name{Space: NsDav, Local: key}
}

var liveNames = []xml.Name{
	{Space: NsDav, Local: "creationdate"},
	{Space: NsDav, Local: "getcontentlength"},
	{Space: NsDav, Local: "getcontenttype"},
	{Space: NsDav, Local: "getetag"},
	{Space: NsDav, Local: "getlastmodified"},
	{Space: NsDav, Local: "resourcetype"},
	{Space: NsDav, Local: "supportedlock"},
	{Space: NsDav, Local: "lockdiscovery"},
}

// IsLive reports whether the qualified name is a live, protected property.
// Live properties are computed from resource state and rejected by
// PROPPATCH.
func IsLive(n xml.Name) bool {
	if n.Space == "" {
		n.Space = NsDav
	}
	for _, ln := range liveNames {
		if ln == n {
			return true
		}
	}
	return false
}

// LiveNames returns the qualified names of all live properties in stable
// order.
func LiveNames() []xml.Name {
	out := make([]xml.Name, len(liveNames))
	copy(out, liveNames)
	return out
}

func xmlEscaped(val string) []byte {
	buf := new(bytes.Buffer)
	_ = xml.EscapeText(buf, []byte(val))
	return buf.Bytes()
}

// Escape xml-escapes a string only when it needs escaping.
func Escape(s string) string {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '&', '\'', '<', '>':
			b := bytes.NewBuffer(nil)
			_ = xml.EscapeText(b, []byte(s))
			return b.String()
		}
	}
	return s
}

// Next returns the next token, if any, in the XML stream of d.
// RFC 4918 requires to ignore comments, processing instructions
// and directives.
// http://www.webdav.org/specs/rfc4918.html#property_values
// http://www.webdav.org/specs/rfc4918.html#xml-extensibility
func Next(d *xml.Decoder) (xml.Token, error) {
	for {
		t, err := d.Token()
		if err != nil {
			return t, err
		}
		switch t.(type) {
		case xml.Comment, xml.Directive, xml.ProcInst:
			continue
		default:
			return t, nil
		}
	}
}

var xmlLangName = xml.Name{Space: "http://www.w3.org/XML/1998/namespace", Local: "lang"}

// Lang returns the xml:lang attribute of a start element, or the given
// default when the element carries none. Used to propagate the language of a
// request down onto each parsed property.
func Lang(s xml.StartElement, d string) string {
	for _, attr := range s.Attr {
		if attr.Name == xmlLangName {
			return attr.Value
		}
	}
	return d
}

// RawValue captures the arbitrary, mixed-content XML value of a property.
// To make sure that the unmarshalled value contains all required namespaces,
// all the property value XML tokens are encoded into a buffer. This forces
// the encoder to redeclare any used namespaces, keeping the fragment
// self-contained.
type RawValue []byte

// UnmarshalXML implements xml.Unmarshaler.
func (v *RawValue) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var b bytes.Buffer
	e := xml.NewEncoder(&b)
	for {
		t, err := Next(d)
		if err != nil {
			return err
		}
		if end, ok := t.(xml.EndElement); ok && end.Name == start.Name {
			break
		}
		if err = e.EncodeToken(t); err != nil {
			return err
		}
	}
	if err := e.Flush(); err != nil {
		return err
	}
	*v = b.Bytes()
	return nil
}
