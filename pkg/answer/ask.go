// Copyright 2025 The nuclia-go Authors
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

// Package answer decodes streamed answers: the NDJSON ask stream and the
// agent WebSocket dialogue.
package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

// LearningIDHeader carries the learning id of an answer.
const LearningIDHeader = "NUCLIA-LEARNING-ID"

// ItemType classifies ask stream items.
type ItemType string

const (
	ItemAnswer     ItemType = "answer"
	ItemAnswerJSON ItemType = "answer_json"
	ItemRetrieval  ItemType = "retrieval"
	ItemRelations  ItemType = "relations"
	ItemCitations  ItemType = "citations"
	ItemMetadata   ItemType = "metadata"
	ItemStatus     ItemType = "status"
)

// Tokens is the token usage reported in metadata items.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Item is one ask stream record. Only the fields of its type are set.
type Item struct {
	Type ItemType `json:"type"`

	Text      string             `json:"text,omitempty"`
	Object    json.RawMessage    `json:"object,omitempty"`
	Results   json.RawMessage    `json:"results,omitempty"`
	Relations json.RawMessage    `json:"relations,omitempty"`
	Citations json.RawMessage    `json:"citations,omitempty"`
	Timings   map[string]float64 `json:"timings,omitempty"`
	Tokens    *Tokens            `json:"tokens,omitempty"`
	Status    string             `json:"status,omitempty"`
	Details   string             `json:"details,omitempty"`

	// Raw is the item as received.
	Raw json.RawMessage `json:"-"`
}

// AskResult is the accumulated answer.
type AskResult struct {
	LearningID string             `json:"learning_id,omitempty"`
	Answer     []byte             `json:"answer"`
	Object     json.RawMessage    `json:"object,omitempty"`
	FindResult json.RawMessage    `json:"find_result,omitempty"`
	Relations  json.RawMessage    `json:"relations,omitempty"`
	Citations  json.RawMessage    `json:"citations,omitempty"`
	Timings    map[string]float64 `json:"timings,omitempty"`
	Tokens     *Tokens            `json:"tokens,omitempty"`
	Status     string             `json:"status,omitempty"`

	// Warnings lists skipped or unrecognised items.
	Warnings []string `json:"warnings,omitempty"`
}

// MarshalJSON renders Answer as text rather than base64.
func (r AskResult) MarshalJSON() ([]byte, error) {
	type plain AskResult
	return json.Marshal(struct {
		plain
		Answer string `json:"answer"`
	}{plain: plain(r), Answer: string(r.Answer)})
}

// Apply folds one item into the result.
func (r *AskResult) Apply(item Item) {
	switch item.Type {
	case ItemAnswer:
		r.Answer = append(r.Answer, item.Text...)
	case ItemAnswerJSON:
		r.Object = item.Object
	case ItemRetrieval:
		r.FindResult = item.Results
	case ItemRelations:
		r.Relations = item.Relations
	case ItemCitations:
		r.Citations = item.Citations
	case ItemMetadata:
		if item.Timings != nil {
			r.Timings = item.Timings
		}
		if item.Tokens != nil {
			r.Tokens = item.Tokens
		}
	case ItemStatus:
		r.Status = item.Status
	default:
		r.warn(fmt.Sprintf("unknown item type %q", item.Type))
	}
}

func (r *AskResult) warn(msg string) {
	slog.Warn("Skipping ask stream item", "reason", msg)
	r.Warnings = append(r.Warnings, msg)
}

// ParseItem decodes one line. Lines are either a bare item or an item
// wrapped as {"item": {...}}.
func ParseItem(line []byte) (Item, error) {
	var probe struct {
		Item json.RawMessage `json:"item"`
		Type ItemType        `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Item{}, fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}

	raw := json.RawMessage(line)
	if probe.Type == "" && len(probe.Item) > 0 {
		raw = probe.Item
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}
	if item.Type == "" {
		return Item{}, fmt.Errorf("%w: item without type", errs.ErrMalformedResponse)
	}
	item.Raw = bytes.Clone(raw)
	return item, nil
}

// Items maps raw lines to items. Malformed lines are logged and skipped;
// only transport errors are yielded.
func Items(lines iter.Seq2[[]byte, error]) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for line, err := range lines {
			if err != nil {
				yield(Item{}, err)
				return
			}
			item, perr := ParseItem(line)
			if perr != nil {
				slog.Warn("Skipping malformed ask stream line", "error", perr)
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Decode consumes the stream to the end and returns the accumulated
// result. header supplies the learning id.
func Decode(ctx context.Context, lines iter.Seq2[[]byte, error], header http.Header) (*AskResult, error) {
	res := &AskResult{Answer: []byte{}}
	if header != nil {
		res.LearningID = header.Get(LearningIDHeader)
	}

	for line, err := range lines {
		if err != nil {
			return res, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%w: %w", errs.ErrCancelled, ctxErr)
		}
		item, perr := ParseItem(line)
		if perr != nil {
			res.warn(perr.Error())
			continue
		}
		res.Apply(item)
	}
	return res, nil
}
