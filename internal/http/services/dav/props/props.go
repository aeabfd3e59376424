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

// Package props parses PROPFIND and PROPPATCH bodies and computes live
// properties.
package props

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sciactive/undine/internal/http/services/dav/errors"
	"github.com/sciactive/undine/internal/http/services/dav/net"
	"github.com/sciactive/undine/pkg/prop"
	"github.com/sciactive/undine/pkg/storage"
)

// names holds the child element names of a prop selector.
type names struct {
	Any []prop.Property `xml:",any"`
}

// Names returns the qualified names of the selector.
func (n names) Names() []xml.Name {
	out := make([]xml.Name, 0, len(n.Any))
	for i := range n.Any {
		if n.Any[i].XMLName.Local == "" {
			continue
		}
		out = append(out, n.Any[i].XMLName)
	}
	return out
}

// PropfindXML holds the xml representation of a propfind body.
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propfind
type PropfindXML struct {
	XMLName  xml.Name  `xml:"DAV: propfind"`
	Allprop  *struct{} `xml:"DAV: allprop"`
	Propname *struct{} `xml:"DAV: propname"`
	Prop     names     `xml:"DAV: prop"`
	Include  names     `xml:"DAV: include"`
}

// ReadPropfind parses a propfind request body. An empty body means allprop.
func ReadPropfind(r io.Reader) (pf PropfindXML, status int, err error) {
	c := countingReader{r: r}
	if err = xml.NewDecoder(&c).Decode(&pf); err != nil {
		if err == io.EOF && c.n == 0 {
			// empty body means allprop
			// http://www.webdav.org/specs/rfc4918.html#METHOD_PROPFIND
			return PropfindXML{Allprop: new(struct{})}, 0, nil
		}
		return pf, http.StatusBadRequest, errors.ErrInvalidPropfind
	}
	if pf.Allprop == nil && pf.Propname == nil && len(pf.Prop.Any) == 0 {
		return pf, http.StatusBadRequest, errors.ErrInvalidPropfind
	}
	if pf.Allprop != nil && (pf.Propname != nil || len(pf.Prop.Any) > 0) {
		return pf, http.StatusBadRequest, errors.ErrInvalidPropfind
	}
	if pf.Propname != nil && len(pf.Prop.Any) > 0 {
		return pf, http.StatusBadRequest, errors.ErrInvalidPropfind
	}
	return pf, 0, nil
}

type countingReader struct {
	n int
	r io.Reader
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// Proppatch describes one property update instruction as defined in RFC 4918.
// See http://www.webdav.org/specs/rfc4918.html#METHOD_PROPPATCH
type Proppatch struct {
	// Remove specifies whether this patch removes properties. If it does
	// not remove them, it sets them.
	Remove bool
	// Props contains the properties to be set or removed.
	Props []prop.Property
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_prop (for proppatch)
type proppatchProps []prop.Property

// UnmarshalXML appends the property names and values enclosed within start
// to ps.
//
// An xml:lang attribute that is defined either on the DAV:prop or property
// name XML element is propagated to the property's Lang field.
//
// UnmarshalXML returns an error if start does not contain any properties or
// if property values contain syntactically incorrect XML.
func (ps *proppatchProps) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	lang := prop.Lang(start, "")
	for {
		t, err := prop.Next(d)
		if err != nil {
			return err
		}
		switch elem := t.(type) {
		case xml.EndElement:
			if len(*ps) == 0 {
				return errors.ErrInvalidProppatch
			}
			return nil
		case xml.StartElement:
			p := prop.Property{
				XMLName: elem.Name,
				Lang:    prop.Lang(elem, lang),
			}
			err = d.DecodeElement((*prop.RawValue)(&p.InnerXML), &elem)
			if err != nil {
				return err
			}
			*ps = append(*ps, p)
		}
	}
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_set
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_remove
type setRemove struct {
	XMLName xml.Name
	Lang    string         `xml:"xml:lang,attr,omitempty"`
	Prop    proppatchProps `xml:"DAV: prop"`
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propertyupdate
type propertyupdate struct {
	XMLName   xml.Name    `xml:"DAV: propertyupdate"`
	Lang      string      `xml:"xml:lang,attr,omitempty"`
	SetRemove []setRemove `xml:",any"`
}

// ReadProppatch parses a propertyupdate request body, preserving document
// order of the set and remove instructions.
func ReadProppatch(r io.Reader) (patches []Proppatch, status int, err error) {
	var pu propertyupdate
	if err = xml.NewDecoder(r).Decode(&pu); err != nil {
		return nil, http.StatusBadRequest, errors.ErrInvalidProppatch
	}
	for _, op := range pu.SetRemove {
		remove := false
		switch op.XMLName {
		case xml.Name{Space: net.NsDav, Local: "set"}:
			// No-op.
		case xml.Name{Space: net.NsDav, Local: "remove"}:
			for _, p := range op.Prop {
				if len(p.InnerXML) > 0 {
					return nil, http.StatusBadRequest, errors.ErrInvalidProppatch
				}
			}
			remove = true
		default:
			return nil, http.StatusBadRequest, errors.ErrInvalidProppatch
		}
		patches = append(patches, Proppatch{Remove: remove, Props: op.Prop})
	}
	return patches, 0, nil
}

// IsLive reports whether the qualified name is a live, protected property.
func IsLive(n xml.Name) bool {
	return prop.IsLive(n)
}

// LiveNames returns the qualified names of all live properties.
func LiveNames() []xml.Name {
	return prop.LiveNames()
}

const supportedlockXML = `<lockentry><lockscope><exclusive/></lockscope><locktype><write/></locktype></lockentry><lockentry><lockscope><shared/></lockscope><locktype><write/></locktype></lockentry>`

// ActiveLockXML is the activelock element of a lockdiscovery property.
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_activelock
type ActiveLockXML struct {
	XMLName   xml.Name  `xml:"activelock"`
	Exclusive *struct{} `xml:"lockscope>exclusive,omitempty"`
	Shared    *struct{} `xml:"lockscope>shared,omitempty"`
	Write     *struct{} `xml:"locktype>write,omitempty"`
	Depth     string    `xml:"depth"`
	Owner     OwnerXML  `xml:"owner,omitempty"`
	Timeout   string    `xml:"timeout,omitempty"`
	Locktoken string    `xml:"locktoken>href"`
	Lockroot  string    `xml:"lockroot>href,omitempty"`
}

// OwnerXML carries the client-provided owner fragment verbatim.
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_owner
type OwnerXML struct {
	InnerXML string `xml:",innerxml"`
}

// ActiveLock renders one lock as an activelock fragment.
func ActiveLock(l *storage.Lock, now time.Time) ([]byte, error) {
	a := ActiveLockXML{
		Write:     &struct{}{},
		Depth:     l.DepthString(),
		Owner:     OwnerXML{InnerXML: l.OwnerXML},
		Timeout:   l.TimeoutString(now),
		Locktoken: l.Token,
		Lockroot:  net.EncodePath(l.Root),
	}
	if l.Exclusive {
		a.Exclusive = &struct{}{}
	} else {
		a.Shared = &struct{}{}
	}
	return xml.Marshal(a)
}

// LockDiscovery renders the lockdiscovery property for the given lock set.
func LockDiscovery(locks []*storage.Lock, now time.Time) *prop.Property {
	buf := new(bytes.Buffer)
	for _, l := range locks {
		b, err := ActiveLock(l, now)
		if err != nil {
			continue
		}
		buf.Write(b)
	}
	return prop.NewRaw("lockdiscovery", buf.String())
}

// Live computes the value of a single live property. It returns nil when
// the name is live but has no value on this resource, and ok == false when
// the name is not live at all.
func Live(n xml.Name, res storage.Resource, stats storage.Stats, locks []*storage.Lock, now time.Time) (p *prop.Property, ok bool) {
	if n.Space == "" {
		n.Space = net.NsDav
	}
	if !IsLive(n) {
		return nil, false
	}
	switch n.Local {
	case "creationdate":
		return prop.New("creationdate", stats.CreationTime.UTC().Format(time.RFC3339)), true
	case "getlastmodified":
		return prop.New("getlastmodified", stats.ModTime.UTC().Format(net.RFC1123)), true
	case "getetag":
		if stats.ETag == "" {
			return nil, true
		}
		return prop.New("getetag", stats.ETag), true
	case "getcontentlength":
		if res.IsCollection() {
			return nil, true
		}
		return prop.New("getcontentlength", strconv.FormatInt(stats.Length, 10)), true
	case "getcontenttype":
		if res.IsCollection() || stats.MediaType == "" {
			return nil, true
		}
		return prop.New("getcontenttype", stats.MediaType), true
	case "resourcetype":
		if res.IsCollection() {
			return prop.NewRaw("resourcetype", "<collection/>"), true
		}
		return prop.New("resourcetype", ""), true
	case "supportedlock":
		return prop.NewRaw("supportedlock", supportedlockXML), true
	case "lockdiscovery":
		return LockDiscovery(locks, now), true
	}
	return nil, false
}
