package patch

import (
	"fmt"

	"github.com/starford/marginalia/internal/apperr"
)

// Request asks for TargetFragment to be replaced by ReplacementFragment.
// DocumentVersion is the body version the suggestion was generated against;
// Apply does not check it, the host does.
type Request struct {
	TargetFragment      string `json:"target"`
	ReplacementFragment string `json:"replacement"`
	DocumentVersion     int64  `json:"document_version"`
}

// Status says whether a patch produced a new body.
type Status string

const (
	Applied  Status = "applied"
	Rejected Status = "rejected"
)

// Reason explains a rejection.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonNoMatch Reason = "no_match"
)

// Outcome is the result of Apply. On rejection Body is the input body,
// unchanged.
type Outcome struct {
	Status Status `json:"status"`
	Reason Reason `json:"reason,omitempty"`
	Tier   Tier   `json:"tier"`
	Body   string `json:"-"`
	// Replaced is the span in the old body that was overwritten.
	Replaced *Span `json:"replaced,omitempty"`
	// Inserted is where the replacement sits in the new body.
	Inserted    *Span  `json:"inserted,omitempty"`
	MatchedText string `json:"matched_text,omitempty"`
	// NeedsConfirmation is set when the match was approximate or ambiguous
	// and the edit should not be committed without asking the user.
	NeedsConfirmation bool `json:"needs_confirmation"`
}

// Err returns apperr.ErrNoMatch for a rejected outcome and nil otherwise.
func (o Outcome) Err() error {
	if o.Status == Rejected {
		return fmt.Errorf("patch: %w", apperr.ErrNoMatch)
	}
	return nil
}

// Apply locates req.TargetFragment in body and splices the replacement over
// the located span. For a markup-tolerant match the whole matched text,
// markers included, is replaced so no structural marker is duplicated or
// left dangling inside the span.
func Apply(req Request, body string) Outcome {
	loc := Locate(req.TargetFragment, body)
	return ApplyLocated(loc, req.ReplacementFragment, body)
}

// ApplyLocated splices replacement over a span obtained from Locate on the
// same body. Callers that located earlier against a different body must
// locate again instead.
func ApplyLocated(loc LocateResult, replacement, body string) Outcome {
	if !loc.Found() || loc.Span.Start < 0 || loc.Span.End > len(body) || loc.Span.Start > loc.Span.End {
		return Outcome{Status: Rejected, Reason: ReasonNoMatch, Tier: NotFound, Body: body}
	}
	sp := *loc.Span
	next := body[:sp.Start] + replacement + body[sp.End:]
	return Outcome{
		Status:            Applied,
		Tier:              loc.Tier,
		Body:              next,
		Replaced:          &Span{Start: sp.Start, End: sp.End},
		Inserted:          &Span{Start: sp.Start, End: sp.Start + len(replacement)},
		MatchedText:       loc.MatchedText,
		NeedsConfirmation: loc.Tier != Exact || loc.Ambiguous(),
	}
}
