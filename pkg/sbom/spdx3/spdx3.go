// Package spdx3 walks the SPDX 3.0 JSON-LD element graph.
//
// SPDX 3.0 replaces the flat 2.x package list with typed nodes under
// "@graph" (or "elements"). ExtractElements classifies every node in one pass
// so consumers never traverse the graph twice, and PackageFields presents a
// package with the same field names a 2.x consumer reads.
package spdx3

import (
	"strings"
)

// Namespace is the RDF namespace every SPDX 3.x context URL starts with.
const Namespace = "https://spdx.org/rdf/3."

// Node is one element of the graph.
type Node = map[string]any

// Elements holds the classified nodes of a document.
type Elements struct {
	Document      Node
	CreationInfo  Node
	Packages      []Node
	Relationships []Node
	// Agents holds Person, Organization, SoftwareAgent and Agent nodes by id.
	Agents map[string]Node
	// Tools holds Tool nodes by id.
	Tools map[string]Node
}

// Creation is the resolved document creation metadata.
type Creation struct {
	Creators  []string
	Tools     []string
	Timestamp string
}

// Package is a normalized software_Package.
type Package struct {
	Name                string
	Version             string
	SupplierRefs        []string
	HasUniqueID         bool
	HasHash             bool
	DownloadLocation    string
	PackageURL          string
	ExternalRefs        []Node
	ExternalIdentifiers []Node
}

// IsSPDX3 reports whether doc declares an SPDX 3 JSON-LD context. Both the
// string and the list form of "@context" are accepted.
func IsSPDX3(doc map[string]any) bool {
	switch ctx := doc["@context"].(type) {
	case string:
		return isSPDX3Context(ctx)
	case []any:
		for _, item := range ctx {
			if s, ok := item.(string); ok && isSPDX3Context(s) {
				return true
			}
		}
	}
	return false
}

func isSPDX3Context(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), Namespace)
}

// ExtractElements classifies the graph nodes of doc by their type tag.
func ExtractElements(doc map[string]any) Elements {
	e := Elements{
		Agents: map[string]Node{},
		Tools:  map[string]Node{},
	}

	for _, item := range graph(doc) {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch TypeOf(node) {
		case "CreationInfo":
			if e.CreationInfo == nil {
				e.CreationInfo = node
			}
		case "SpdxDocument":
			if e.Document == nil {
				e.Document = node
			}
		case "software_Package", "Package":
			e.Packages = append(e.Packages, node)
		case "Relationship", "LifecycleScopedRelationship":
			e.Relationships = append(e.Relationships, node)
		case "Person", "Organization", "SoftwareAgent", "Agent":
			if id := ID(node); id != "" {
				e.Agents[id] = node
			}
		case "Tool":
			if id := ID(node); id != "" {
				e.Tools[id] = node
			}
		}
	}

	// Creation info is frequently inlined on the document element rather than
	// emitted as its own node.
	if e.CreationInfo == nil && e.Document != nil {
		if ci, ok := e.Document["creationInfo"].(map[string]any); ok {
			e.CreationInfo = ci
		}
	}
	return e
}

func graph(doc map[string]any) []any {
	if g, ok := doc["@graph"].([]any); ok {
		return g
	}
	if g, ok := doc["elements"].([]any); ok {
		return g
	}
	return nil
}

// CreationInfoFields resolves the createdBy and createdUsing references of ci
// to names. A reference whose node is absent from the graph is reported by
// its raw id.
func CreationInfoFields(ci Node, agents, tools map[string]Node) Creation {
	var c Creation
	if ci == nil {
		return c
	}
	c.Creators = resolveNames(refs(ci["createdBy"]), agents)
	c.Tools = resolveNames(refs(ci["createdUsing"]), tools)
	c.Timestamp = str(ci, "created")
	return c
}

func resolveNames(ids []string, nodes map[string]Node) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n, ok := nodes[id]; ok {
			if name := str(n, "name"); name != "" {
				out = append(out, name)
				continue
			}
		}
		out = append(out, id)
	}
	return out
}

// uniqueIDTypes are the externalIdentifierType values that identify a package.
var uniqueIDTypes = map[string]bool{
	"packageurl": true,
	"cpe22":      true,
	"cpe23":      true,
	"swid":       true,
}

// PackageFields normalizes the SPDX 3 property names of pkg.
func PackageFields(pkg Node) Package {
	p := Package{
		Name:             str(pkg, "name"),
		Version:          str(pkg, "software_packageVersion"),
		SupplierRefs:     refs(pkg["suppliedBy"]),
		DownloadLocation: str(pkg, "software_downloadLocation"),
		PackageURL:       str(pkg, "software_packageUrl"),
	}

	for _, item := range list(pkg, "externalIdentifier") {
		n, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p.ExternalIdentifiers = append(p.ExternalIdentifiers, n)
		typ := strings.ToLower(str(n, "externalIdentifierType"))
		if uniqueIDTypes[typ] {
			p.HasUniqueID = true
		}
		if typ == "packageurl" && p.PackageURL == "" {
			p.PackageURL = str(n, "identifier")
		}
	}

	for _, item := range list(pkg, "externalRef") {
		if n, ok := item.(map[string]any); ok {
			p.ExternalRefs = append(p.ExternalRefs, n)
		}
	}

	for _, item := range list(pkg, "verifiedUsing") {
		n, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if TypeOf(n) == "Hash" || str(n, "hashValue") != "" {
			p.HasHash = true
			break
		}
	}
	return p
}

// AgentNames resolves agent references to names with the same fallback as
// CreationInfoFields.
func AgentNames(ids []string, agents map[string]Node) []string {
	return resolveNames(ids, agents)
}

// TypeOf returns the type tag of a node.
func TypeOf(n Node) string {
	if t := str(n, "type"); t != "" {
		return t
	}
	return str(n, "@type")
}

// ID returns the element id of a node.
func ID(n Node) string {
	if id := str(n, "spdxId"); id != "" {
		return id
	}
	return str(n, "@id")
}

// refs reads a reference property that may hold a single id, a list of ids,
// or inlined nodes.
func refs(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case map[string]any:
		if id := ID(t); id != "" {
			return []string{id}
		}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, refs(item)...)
		}
		return out
	}
	return nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func list(m map[string]any, key string) []any {
	l, _ := m[key].([]any)
	return l
}
