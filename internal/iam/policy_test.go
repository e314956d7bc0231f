package iam

import (
	"encoding/json"
	"testing"
)

func TestNewPolicy_Version(t *testing.T) {
	d := NewPolicy()
	if d.Version != "2012-10-17" {
		t.Errorf("Version = %q", d.Version)
	}
}

func TestNames(t *testing.T) {
	d := NewPolicy(
		Allow("A", []string{"x:Do"}, []string{"arn:one", "arn:two"}),
		Allow("B", []string{"y:Do"}, []string{"arn:three"}),
	)
	for _, r := range []string{"arn:one", "arn:two", "arn:three"} {
		if !d.Names(r) {
			t.Errorf("Names(%q) = false", r)
		}
	}
	if d.Names("arn:other") {
		t.Error("Names must be exact")
	}
	if got := len(d.Resources()); got != 3 {
		t.Errorf("Resources() len = %d", got)
	}
}

func TestJSON_IAMFieldNames(t *testing.T) {
	d := NewPolicy(Allow("Grant", []string{"identitystore:CreateGroupMembership"}, []string{"arn:g"}))
	raw, err := d.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["Statement"]; !ok {
		t.Errorf("missing Statement key: %s", raw)
	}
	stmts := m["Statement"].([]any)
	s0 := stmts[0].(map[string]any)
	for _, k := range []string{"Sid", "Effect", "Action", "Resource"} {
		if _, ok := s0[k]; !ok {
			t.Errorf("statement missing %q: %v", k, s0)
		}
	}
}
