// Package access defines the vocabulary used to describe GPU resource
// accesses: pipeline stages, access types, image layouts, queue identities
// and the Access value that the recorder turns into hazard checks.
//
// Every type here is a plain value. An Access is built per declared
// operation and never mutated afterwards.
//
// Names match the snake_case identifiers accepted by scenario and config
// files, so that
//
//	s, err := access.ParseStage("compute_shader|transfer")
//
// round-trips with s.String().
package access
