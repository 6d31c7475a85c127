// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts renders persona-specific prompt templates for the two
// generation phases: answering a question and proposing follow-ups.
package prompts

import (
	"fmt"
	"strings"
	"text/template"
)

// Persona shapes the voice and depth of generated answers.
type Persona struct {
	// Name identifies the persona, e.g. "researcher".
	Name string `json:"name"`

	// Voice is the system-style preamble injected into every prompt.
	Voice string `json:"voice"`

	// AnswerLength hints the target answer size, e.g. "two paragraphs".
	AnswerLength string `json:"answerLength"`
}

// DefaultPersona is used when a session does not choose one.
func DefaultPersona() Persona {
	return Persona{
		Name:         "explorer",
		Voice:        "You are a curious, precise explainer. Answer plainly and concretely.",
		AnswerLength: "two short paragraphs",
	}
}

const answerTemplate = `{{ .Voice }}

Answer the following question in {{ .AnswerLength }}:

{{ .Question }}`

const questionsTemplate = `{{ .Voice }}

The question below was just answered. Propose up to {{ .MaxCandidates }} natural follow-up questions a curious reader would ask next.

Question: {{ .Question }}

Respond with ONLY a JSON array, no prose, of objects shaped as
{"question": "...", "score": 0.0-1.0} where score ranks how promising the
follow-up is. Start streaming the array immediately.`

// Renderer renders both phase prompts for one persona.
//
// Thread Safety: Renderer is immutable after construction and safe for
// concurrent use.
type Renderer struct {
	persona       Persona
	maxCandidates int
	answerTmpl    *template.Template
	questionsTmpl *template.Template
}

// NewRenderer builds a renderer for a persona.
//
// Inputs:
//
//	persona - The persona. Zero-value fields fall back to DefaultPersona.
//	maxCandidates - Upper bound on proposed follow-ups. Non-positive
//	                values become 4.
func NewRenderer(persona Persona, maxCandidates int) (*Renderer, error) {
	def := DefaultPersona()
	if persona.Voice == "" {
		persona.Voice = def.Voice
	}
	if persona.AnswerLength == "" {
		persona.AnswerLength = def.AnswerLength
	}
	if persona.Name == "" {
		persona.Name = def.Name
	}
	if maxCandidates <= 0 {
		maxCandidates = 4
	}

	at, err := template.New("answer").Parse(answerTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse answer template: %w", err)
	}
	qt, err := template.New("questions").Parse(questionsTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse questions template: %w", err)
	}

	return &Renderer{
		persona:       persona,
		maxCandidates: maxCandidates,
		answerTmpl:    at,
		questionsTmpl: qt,
	}, nil
}

// Persona returns the renderer's persona.
func (r *Renderer) Persona() Persona { return r.persona }

// Answer renders the answer-phase prompt for a question.
func (r *Renderer) Answer(question string) (string, error) {
	return r.render(r.answerTmpl, question)
}

// Questions renders the follow-up-phase prompt for a question.
func (r *Renderer) Questions(question string) (string, error) {
	return r.render(r.questionsTmpl, question)
}

func (r *Renderer) render(tmpl *template.Template, question string) (string, error) {
	var sb strings.Builder
	err := tmpl.Execute(&sb, struct {
		Voice         string
		AnswerLength  string
		Question      string
		MaxCandidates int
	}{
		Voice:         r.persona.Voice,
		AnswerLength:  r.persona.AnswerLength,
		Question:      question,
		MaxCandidates: r.maxCandidates,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}
