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

// Package cond parses the If header defined in RFC 4918 section 10.4 into
// condition objects and evaluates them. The header is a disjunction of
// tagged or untagged condition lists; each list is a conjunction of state
// token and etag conditions.
package cond

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Env is the environment conditions are evaluated against.
type Env interface {
	// ETag looks up the current etag of the resource at the given url.
	ETag(url string) string
	// Locked reports whether the lock identified by the token covers the
	// resource at the given url. Shared locks mean several may.
	Locked(url, token string) bool
}

// Condition is a single condition.
type Condition struct {
	Not   bool
	Token string
	ETag  string
}

func parseCondition(l *lex) (Condition, error) {
	res := Condition{}
	tok := l.peek()
	if tok == not {
		res.Not = true
		l.consume()
		tok = l.peek()
	}
	if tok == '[' {
		l.consume()
		et, err := l.consumeUntil(']')
		res.ETag = et
		if et == "" {
			return res, errors.New("empty etag")
		}
		return res, err
	}
	tt, err := l.consumeIf(func(r rune) bool {
		return r != ')' && r != ' '
	})
	if len(tt) >= 2 && tt[0] == '<' && tt[len(tt)-1] == '>' {
		tt = tt[1 : len(tt)-1]
	}
	res.Token = tt
	if tt == "" {
		return res, errors.New("empty condition")
	}
	return res, err
}

// Eval determines the condition's state in the given environment
// for the given resource.
func (c *Condition) Eval(e Env, r string) bool {
	var res bool
	if c.Token != "" {
		res = e.Locked(r, c.Token)
	} else {
		res = e.ETag(r) == strings.Trim(c.ETag, `"`)
	}
	if c.Not {
		res = !res
	}
	return res
}

// List represents a set of conditions that are AND'ed together, optionally
// tagged with a resource.
type List struct {
	Resource   string
	Conditions []Condition
}

func parseList(l *lex) (*List, error) {
	res := &List{}
	tok := l.peek()
	if tok == '<' {
		l.consume()
		rt, err := l.consumeUntil('>')
		res.Resource = rt
		if err != nil || rt == "" {
			return res, errors.New("could not parse resource tag")
		}
		tok = l.peek()
	}
	if tok != '(' {
		return res, errors.Errorf("expected ( got %q", tok)
	}
	l.consume()
	tok = l.peek()
	for tok != ')' && tok != eof {
		c, err := parseCondition(l)
		res.Conditions = append(res.Conditions, c)
		if err != nil {
			return res, errors.Wrap(err, "could not parse condition")
		}
		tok = l.peek()
	}
	if tok != ')' {
		return res, errors.Errorf("expected ) got %q", tok)
	}
	l.consume()
	return res, nil
}

// Eval determines the list's state in the given environment, falling back to
// the given resource when the list carries no tag.
func (l *List) Eval(e Env, rdef string) bool {
	if l.Resource != "" {
		rdef = l.Resource
	}
	for i := range l.Conditions {
		if !l.Conditions[i].Eval(e, rdef) {
			return false
		}
	}
	return true
}

// IfTag represents a complete If header. Lists are OR'ed together, so the
// header forms a DNF condition.
type IfTag struct {
	Lists []*List
}

// Eval determines the header's state in the given environment.
func (t *IfTag) Eval(e Env, rdef string) bool {
	for _, l := range t.Lists {
		if l.Eval(e, rdef) {
			return true
		}
	}
	return false
}

// Tokens returns all lock tokens submitted anywhere in the header. This is
// the submitted token set the lock engine arbitrates against.
func (t *IfTag) Tokens() []string {
	var res []string
	for _, l := range t.Lists {
		for i := range l.Conditions {
			if l.Conditions[i].Token != "" {
				res = append(res, l.Conditions[i].Token)
			}
		}
	}
	return res
}

// RewriteHosts rewrites all resource tags to be host-relative, rejecting
// tags pointing at a foreign authority.
func (t *IfTag) RewriteHosts(host string) error {
	for _, l := range t.Lists {
		if l.Resource == "" {
			continue
		}
		u, err := url.Parse(l.Resource)
		if err != nil {
			return err
		}
		if u.Host != "" && u.Host != host {
			return errors.New("resource tag on foreign host")
		}
		l.Resource = u.Path
	}
	return nil
}

// ParseIf parses the If HTTP header.
func ParseIf(s string) (*IfTag, error) {
	res := &IfTag{}
	l := newLex(s)
	for {
		tok := l.peek()
		if tok == eof {
			break
		}
		list, err := parseList(l)
		res.Lists = append(res.Lists, list)
		if err != nil {
			return res, errors.Wrap(err, "could not parse list")
		}
	}
	return res, nil
}
