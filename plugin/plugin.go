/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package plugin defines the collector's plugin contract shapes (§6): the
// three plugin kinds and the lifecycle every stage host calls into,
// grounded on original_source's configurator/plugin_mgr.hpp and
// plugin_parser.h/plugin_output_mgr.h function-table designs. It declares
// interfaces only — there is no loader, no XML/YAML plugin configuration
// surface, and no dynamic loading; concrete stages in this module
// implement these interfaces directly and are wired together in Go code,
// matching the Non-goal that rules out a runtime plugin-loading mechanism.
package plugin

import (
	"context"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

// Kind identifies which of the three plugin roles a Plugin fills (§6).
type Kind string

const (
	KindInput        Kind = "INPUT"
	KindIntermediate Kind = "INTERMEDIATE"
	KindOutput       Kind = "OUTPUT"
)

// Info is the static metadata a plugin host needs before instantiating a
// plugin instance (§6 "plugin contract").
type Info struct {
	Kind        Kind
	Name        string
	Description string
	Version     string
}

// Instance is the lifecycle every plugin kind implements: constructed by
// its host with Init, invoked on configuration/session teardown via
// Destroy. Concrete Input/Intermediate/Output plugins embed or satisfy this
// alongside pipeline.Processor, pipeline.Source, or pipeline.SessionCloser
// as their kind requires.
type Instance interface {
	Init(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Input is the contract an input plugin's stage host exercises: Instance
// lifecycle plus pipeline.Source to produce raw envelopes, and optionally
// pipeline.SessionCloser to react to upstream session-close feedback
// (§4.2, §6).
type Input interface {
	Instance
	pipeline.Source
}

// Intermediate is the contract an intermediate plugin's stage host
// exercises: Instance lifecycle plus pipeline.Processor (a stage may also
// implement pipeline.MultiProcessor to emit several envelopes per input
// message, as the parser stage does) (§4.3, §6).
type Intermediate interface {
	Instance
	pipeline.Processor
}

// Output is the contract an output plugin's stage host exercises: Instance
// lifecycle plus pipeline.Processor, where Process's returned envelope is
// always nil — an output plugin is a terminal sink (§4.7, §6).
type Output interface {
	Instance
	pipeline.Processor
}
