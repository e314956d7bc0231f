// Package iam models the least-privilege permission manifest the composer
// computes for a deployment. The document is declarative: it names exactly
// the resources the handler may touch, and deploy tooling materializes it
// as the runtime role policy.
package iam

import "encoding/json"

type Effect string

const EffectAllow Effect = "Allow"

// Statement is one permission grant: actions over resources.
type Statement struct {
	Sid       string   `json:"Sid,omitempty"`
	Effect    Effect   `json:"Effect"`
	Actions   []string `json:"Action"`
	Resources []string `json:"Resource"`
}

// PolicyDocument is an IAM-style policy.
type PolicyDocument struct {
	Version    string      `json:"Version"`
	Statements []Statement `json:"Statement"`
}

// NewPolicy builds a document with the standard policy language version.
func NewPolicy(stmts ...Statement) PolicyDocument {
	return PolicyDocument{
		Version:    "2012-10-17",
		Statements: stmts,
	}
}

// Allow is shorthand for an allow statement.
func Allow(sid string, actions []string, resources []string) Statement {
	return Statement{
		Sid:       sid,
		Effect:    EffectAllow,
		Actions:   actions,
		Resources: resources,
	}
}

// Resources returns every resource named anywhere in the document.
func (d PolicyDocument) Resources() []string {
	var out []string
	for _, s := range d.Statements {
		out = append(out, s.Resources...)
	}
	return out
}

// Names reports whether the document references the given resource.
func (d PolicyDocument) Names(resource string) bool {
	for _, s := range d.Statements {
		for _, r := range s.Resources {
			if r == resource {
				return true
			}
		}
	}
	return false
}

// JSON renders the document in IAM policy JSON.
func (d PolicyDocument) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
