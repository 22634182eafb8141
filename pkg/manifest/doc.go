/*
Package manifest defines the declarative, versioned document that fully
describes a deployable MoltAgent worker, together with its parser and
validator.

A manifest covers identity, the agent runtime configuration, node
capabilities, messaging channels, VPS resources, financial controls, the
control-plane dial target, retention, goals, and seed knowledge. Every field
has a default where sensible, so a minimal document like

	{"identity": {"name": "a1"}, "controlPlane": {"url": "ws://localhost:18790"}}

parses into a complete manifest. Unknown top-level keys are accepted and
preserved under metadata for forward compatibility.

Validation is purely structural (URL shapes, UUID ids, priority bounds,
non-negative caps) and performed with go-playground/validator. Semantic
coherence between sections is enforced by consumers as documented
preconditions.
*/
package manifest
