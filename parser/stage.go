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

package parser

import (
	"context"
	"fmt"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
	"github.com/CESNET/ipfixcol2-sub000/template"
)

// Stage adapts Parser to pipeline.MultiProcessor, so it can run as an
// intermediate pipeline.Stage (§4.3/§4.4): one parsed-message envelope plus
// zero or more garbage envelopes per raw input message.
type Stage struct {
	parser    *Parser
	sessions  *session.Registry
	templates *template.Registry
}

// NewStage wraps parser as a pipeline.MultiProcessor.
func NewStage(parser *Parser, sessions *session.Registry, templates *template.Registry) *Stage {
	return &Stage{parser: parser, sessions: sessions, templates: templates}
}

// ProcessMulti implements pipeline.MultiProcessor.
func (s *Stage) ProcessMulti(_ context.Context, e *pipeline.Envelope) ([]*pipeline.Envelope, error) {
	switch e.Kind {
	case pipeline.KindSessionControl:
		if e.SessionControl.Kind == pipeline.SessionClose {
			s.templates.RemoveSession(e.SessionControl.SessionID)
		}
		return []*pipeline.Envelope{e}, nil
	case pipeline.KindRaw:
		return s.processRaw(e.Raw)
	default:
		return []*pipeline.Envelope{e}, nil
	}
}

// SessionClose implements pipeline.SessionCloser, letting an upstream
// feedback request evict this Transport Session's template managers even
// when no further raw messages for it ever arrive.
func (s *Stage) SessionClose(_ context.Context, sessionID string) error {
	s.templates.RemoveSession(sessionID)
	return nil
}

func (s *Stage) processRaw(raw *pipeline.RawMessage) ([]*pipeline.Envelope, error) {
	sess, ok := s.sessions.Get(raw.SessionID)
	if !ok {
		return nil, pipeline.NewError(pipeline.ARG, fmt.Errorf("raw message for unknown session %q", raw.SessionID))
	}

	result, err := s.parser.Parse(sess, raw)
	if err != nil {
		return nil, err
	}

	out := make([]*pipeline.Envelope, 0, 1+len(result.Garbage))
	if result.Parsed != nil {
		out = append(out, pipeline.NewParsedEnvelope(result.Parsed))
	}
	for _, g := range result.Garbage {
		out = append(out, pipeline.NewGarbageEnvelope(g))
	}
	return out, nil
}
