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
	"testing"
	"time"
)

func TestParseDepth(t *testing.T) {
	tests := map[string]Depth{
		"":         DepthInfinity,
		"0":        DepthZero,
		"1":        DepthOne,
		"infinity": DepthInfinity,
		"INFINITY": DepthInfinity,
	}

	for input, expected := range tests {
		parsed, err := ParseDepth(input, DepthInfinity)
		if err != nil {
			t.Errorf("failed to parse depth %s", input)
		}
		if parsed != expected {
			t.Errorf("parseDepth returned %s expected %s", parsed.String(), expected.String())
		}
	}

	if _, err := ParseDepth("invalid", DepthInfinity); err == nil {
		t.Error("parse depth didn't return an error for invalid depth: invalid")
	}

	if d, _ := ParseDepth("", DepthZero); d != DepthZero {
		t.Errorf("empty depth did not fall back to the verb default, got %s", d.String())
	}
}

func TestParseOverwrite(t *testing.T) {
	tests := map[string]bool{
		"":  true,
		"T": true,
		"t": true,
		"F": false,
		"f": false,
	}
	for input, expected := range tests {
		parsed, err := ParseOverwrite(input)
		if err != nil {
			t.Errorf("failed to parse overwrite %q", input)
		}
		if parsed != expected {
			t.Errorf("parseOverwrite(%q) returned %v expected %v", input, parsed, expected)
		}
	}
	if _, err := ParseOverwrite("X"); err == nil {
		t.Error("parse overwrite didn't return an error for X")
	}
}

func TestParseDestination(t *testing.T) {
	dst, err := ParseDestination("https://example.org/dav/files/b%20c", "https", "example.org", "/dav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dst != "/files/b c" {
		t.Errorf("unexpected destination %q", dst)
	}

	if _, err := ParseDestination("", "https", "example.org", "/dav"); err == nil {
		t.Error("empty destination did not fail")
	}
	if _, err := ParseDestination("https://evil.org/dav/files/x", "https", "example.org", "/dav"); err == nil {
		t.Error("foreign authority did not fail")
	}
	if _, err := ParseDestination("https://example.org/other/files/x", "https", "example.org", "/dav"); err == nil {
		t.Error("destination outside the base uri did not fail")
	}
}

func TestParseTimeout(t *testing.T) {
	d, err := ParseTimeout("Second-600", time.Hour, 24*time.Hour)
	if err != nil || d != 600*time.Second {
		t.Errorf("Second-600 parsed to %v, %v", d, err)
	}

	// the first acceptable value wins
	d, err = ParseTimeout("Infinite, Second-4100000000", time.Hour, 24*time.Hour)
	if err != nil || d != 24*time.Hour {
		t.Errorf("infinite timeout was not capped: %v, %v", d, err)
	}

	d, err = ParseTimeout("", time.Hour, 24*time.Hour)
	if err != nil || d != time.Hour {
		t.Errorf("absent header did not yield the default: %v, %v", d, err)
	}

	d, err = ParseTimeout("Second-999999999", time.Hour, time.Minute)
	if err != nil || d != time.Minute {
		t.Errorf("timeout was not capped at the maximum: %v, %v", d, err)
	}

	if _, err = ParseTimeout("bogus", time.Hour, 24*time.Hour); err == nil {
		t.Error("invalid timeout did not fail")
	}
}

func TestParseLockToken(t *testing.T) {
	token, err := ParseLockToken("<urn:uuid:150852e2-3847-42d5-8cbe-0f4f296f26cf>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "urn:uuid:150852e2-3847-42d5-8cbe-0f4f296f26cf" {
		t.Errorf("unexpected token %q", token)
	}
	if _, err := ParseLockToken("urn:uuid:nope"); err == nil {
		t.Error("token without coded-url brackets did not fail")
	}
}

func TestEncodePath(t *testing.T) {
	if got := EncodePath("/a b/c"); got != "/a%20b/c" {
		t.Errorf("unexpected encoding %q", got)
	}
	if got := EncodePath("/plain/path"); got != "/plain/path" {
		t.Errorf("unexpected encoding %q", got)
	}
}

var result Depth

func BenchmarkParseDepth(b *testing.B) {
	inputs := []string{"", "0", "1", "infinity", "INFINITY"}
	size := len(inputs)
	for i := 0; i < b.N; i++ {
		result, _ = ParseDepth(inputs[i%size], DepthInfinity)
	}
}
