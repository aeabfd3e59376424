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

package cond

import "testing"

func TestParse(t *testing.T) {
	examples := map[string]bool{
		"foobar":                false,
		"(a":                    false,
		"([b":                   false,
		"(Not a":                false,
		"":                      true,
		"(a)":                   true,
		"(a) (b)":               true,
		"(Not a Not b Not [d])": true,
		"(Not a) (Not b)":       true,
		"([a])":                 true,
		"(<urn:uuid:181d4fae-7d8c-11d0-a765-00a0c91e6bf2>)":                        true,
		"<http://example.org/f> (<urn:uuid:181d4fae-7d8c-11d0-a765-00a0c91e6bf2>)": true,
	}

	for s, exp := range examples {
		o, err := ParseIf(s)
		ok := err == nil
		if exp != ok {
			t.Errorf("%q did not parse as expected, got [%+v]: %v", s, o, err)
		}
	}
}

func TestTokens(t *testing.T) {
	tag, err := ParseIf("(<urn:uuid:a> [etag1]) (Not <urn:uuid:b>)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tokens := tag.Tokens()
	if len(tokens) != 2 || tokens[0] != "urn:uuid:a" || tokens[1] != "urn:uuid:b" {
		t.Errorf("unexpected tokens %v", tokens)
	}
}

type fakeEnv struct {
	etags  map[string]string
	locked map[string]string // url -> token
}

func (e fakeEnv) ETag(r string) string {
	return e.etags[r]
}

func (e fakeEnv) Locked(r, l string) bool {
	return e.locked[r] == l
}

func TestEval(t *testing.T) {
	env := fakeEnv{
		etags:  map[string]string{"/f": "v1"},
		locked: map[string]string{"/f": "urn:uuid:a"},
	}

	cases := []struct {
		header string
		url    string
		want   bool
	}{
		{"(<urn:uuid:a>)", "/f", true},
		{"(<urn:uuid:b>)", "/f", false},
		{"(Not <urn:uuid:b>)", "/f", true},
		{"([v1])", "/f", true},
		{`(["v1"])`, "/f", true},
		{"([v2])", "/f", false},
		{"(<urn:uuid:a> [v1])", "/f", true},
		{"(<urn:uuid:a> [v2])", "/f", false},
		// lists are OR'ed
		{"(<urn:uuid:b>) ([v1])", "/f", true},
		// a tagged list overrides the request url
		{"</f> (<urn:uuid:a>)", "/other", true},
	}
	for _, c := range cases {
		tag, err := ParseIf(c.header)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", c.header, err)
		}
		if got := tag.Eval(env, c.url); got != c.want {
			t.Errorf("%q on %s evaluated to %v, want %v", c.header, c.url, got, c.want)
		}
	}
}

func TestRewriteHosts(t *testing.T) {
	tag, err := ParseIf("<https://example.org/f> (<urn:uuid:a>)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tag.RewriteHosts("example.org"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tag.Lists[0].Resource != "/f" {
		t.Errorf("resource was not rewritten: %q", tag.Lists[0].Resource)
	}

	tag, _ = ParseIf("<https://evil.org/f> (<urn:uuid:a>)")
	if err := tag.RewriteHosts("example.org"); err == nil {
		t.Error("foreign host was not rejected")
	}
}
