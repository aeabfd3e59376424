// Copyright 2018-2022 CERN
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

package net

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sciactive/undine/internal/http/services/dav/errors"
)

const (
	// NsDav is the Dav ns
	NsDav = "DAV:"

	// RFC1123 time that mimics oc10. time.RFC1123 would end in "UTC", see https://github.com/golang/go/issues/13781
	RFC1123 = "Mon, 02 Jan 2006 15:04:05 GMT"
)

// Depth is a webdav Depth header value.
type Depth int

// Depth values of the Depth header.
const (
	DepthZero Depth = iota
	DepthOne
	DepthInfinity
)

func (d Depth) String() string {
	switch d {
	case DepthZero:
		return "0"
	case DepthOne:
		return "1"
	case DepthInfinity:
		return "infinity"
	}
	return ""
}

// ParseDepth parses the depth header value. The default for an absent header
// is verb-specific; callers pass it in.
func ParseDepth(s string, def Depth) (Depth, error) {
	switch strings.ToLower(s) {
	case "":
		return def, nil
	case "0":
		return DepthZero, nil
	case "1":
		return DepthOne, nil
	case "infinity":
		return DepthInfinity, nil
	}
	return def, errors.ErrInvalidDepth
}

// ParseOverwrite parses the Overwrite header. The default is true.
func ParseOverwrite(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "", "T":
		return true, nil
	case "F":
		return false, nil
	}
	return false, errors.ErrInvalidOverwrite
}

// ParseDestination parses the Destination header into the path below the
// base uri. The destination must be an absolute uri sharing scheme and
// authority with the request; the path is percent-decoded before comparison.
func ParseDestination(dstHeader, scheme, host, baseURI string) (string, error) {
	if dstHeader == "" {
		return "", errors.ErrInvalidDestination
	}
	dstURL, err := url.ParseRequestURI(dstHeader)
	if err != nil {
		return "", errors.ErrInvalidDestination
	}
	if dstURL.Scheme != "" && dstURL.Scheme != scheme {
		return "", errors.ErrInvalidDestination
	}
	if dstURL.Host != "" && dstURL.Host != host {
		return "", errors.ErrInvalidDestination
	}

	// The destination might contain redirection prefixes which need to be handled
	urlSplit := strings.SplitN(dstURL.Path, baseURI, 2)
	if len(urlSplit) != 2 {
		return "", errors.ErrInvalidDestination
	}
	dst, err := url.PathUnescape(urlSplit[1])
	if err != nil {
		return "", errors.ErrInvalidDestination
	}
	if dst == "" || dst[0] != '/' {
		dst = "/" + dst
	}
	return dst, nil
}

// ParseTimeout picks the first acceptable value from a comma-separated
// Timeout header: Second-N or Infinite. Absent headers yield def; every
// choice is capped at max. A zero duration means infinite.
func ParseTimeout(s string, def, max time.Duration) (time.Duration, error) {
	if s == "" {
		return capTimeout(def, max), nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "Infinite") {
			return capTimeout(0, max), nil
		}
		if len(part) > 7 && strings.EqualFold(part[:7], "Second-") {
			n, err := strconv.ParseInt(part[7:], 10, 64)
			if err != nil || n < 0 {
				continue
			}
			return capTimeout(time.Duration(n)*time.Second, max), nil
		}
	}
	return 0, errors.ErrInvalidTimeout
}

func capTimeout(d, max time.Duration) time.Duration {
	if max == 0 {
		return d
	}
	if d == 0 || d > max {
		return max
	}
	return d
}

// ParseLockToken extracts the token from a Lock-Token header, stripping the
// angle brackets of the Coded-URL production.
func ParseLockToken(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '<' || s[len(s)-1] != '>' {
		return "", errors.ErrInvalidLockToken
	}
	return s[1 : len(s)-1], nil
}

// replaceAllStringSubmatchFunc is taken from 'Go: Replace String with Regular Expression Callback'
// see: https://elliotchance.medium.com/go-replace-string-with-regular-expression-callback-f89948bad0bb
func replaceAllStringSubmatchFunc(re *regexp.Regexp, str string, repl func([]string) string) string {
	result := ""
	lastIndex := 0
	for _, v := range re.FindAllSubmatchIndex([]byte(str), -1) {
		groups := []string{}
		for i := 0; i < len(v); i += 2 {
			groups = append(groups, str[v[i]:v[i+1]])
		}
		result += str[lastIndex:v[0]] + repl(groups)
		lastIndex = v[1]
	}
	return result + str[lastIndex:]
}

var hrefre = regexp.MustCompile(`([^A-Za-z0-9_\-.~()/:@!$])`)

// EncodePath encodes the path of a url.
//
// slashes (/) are treated as path-separators.
// ported from https://github.com/sabre-io/http/blob/bb27d1a8c92217b34e778ee09dcf79d9a2936e84/lib/functions.php#L369-L379
func EncodePath(path string) string {
	return replaceAllStringSubmatchFunc(hrefre, path, func(groups []string) string {
		b := groups[1]
		var sb strings.Builder
		for i := 0; i < len(b); i++ {
			sb.WriteString(fmt.Sprintf("%%%x", b[i]))
		}
		return sb.String()
	})
}
