// Package consistency keeps the two stores convergent: it enumerates
// Papers in the relational store, compares them against the vector store,
// classifies the seven discrepancy classes by severity, and can auto-fix
// the subset that is safe to repair mechanically.
package consistency

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/store/relational"
	"github.com/scholarly/ingestd/internal/store/vector"
)

// Checker compares the relational store against the vector store.
type Checker struct {
	rel *relational.Store
	vec *vector.Store
}

// New builds a Checker.
func New(rel *relational.Store, vec *vector.Store) *Checker {
	return &Checker{rel: rel, vec: vec}
}

// Report is the outcome of a full consistency check.
type Report struct {
	Issues    []model.ConsistencyIssue
	Readiness int // 0-10, higher is healthier
}

// Check enumerates every Paper and every known vector-store doc_id,
// classifying discrepancies into the seven issue classes.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	docIDs, err := c.rel.AllDocIDs(ctx)
	if err != nil {
		return Report{}, err
	}
	relSet := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		relSet[id] = true
	}

	vecSet := make(map[string]bool)
	for _, id := range c.vec.KnownDocIDs() {
		vecSet[id] = true
	}

	seenContentIDs := make(map[string]string)
	var issues []model.ConsistencyIssue

	for _, docID := range docIDs {
		paper, err := c.rel.GetPaper(ctx, docID)
		if err != nil {
			continue
		}

		if !c.vec.HasVectors(docID) {
			issues = append(issues, model.ConsistencyIssue{
				Class: model.IssuePaperWithoutVector, Severity: model.SeverityHigh, DocID: docID,
				Detail: "paper has no vector-store entries",
			})
		} else {
			if _, hasDocVector := c.vec.DocumentVectorDim(docID); paper.ContentID != "" && !hasDocVector {
				// Page vectors survived but the document-level entry that
				// content_id is derived from is gone; rebuilding it blind
				// risks a content_id that no longer matches, so this one is
				// left for an operator.
				issues = append(issues, model.ConsistencyIssue{
					Class: model.IssueContentIDNoVectorMatch, Severity: model.SeverityHigh, DocID: docID,
					Detail: "content_id present in relational store but no document vector to match it",
				})
			}
			if relPages, err := c.rel.PageCount(ctx, docID); err == nil && relPages > 0 && relPages != c.vec.PageCount(docID) {
				issues = append(issues, model.ConsistencyIssue{
					Class: model.IssuePageCountMismatch, Severity: model.SeverityMedium, DocID: docID,
					Detail: "relational page count does not match vector-store page count",
				})
			}
			if texts, err := c.rel.GetPageTexts(ctx, docID); err == nil && len(texts) > 0 && texts[0].VectorDim > 0 {
				if dim, ok := c.vec.DocumentVectorDim(docID); ok && dim != texts[0].VectorDim {
					// Report-only: a dimension change usually means the
					// embedding model itself changed, and there is no safe
					// mechanical repair for that.
					issues = append(issues, model.ConsistencyIssue{
						Class: model.IssueEmbeddingDimMismatch, Severity: model.SeverityCritical, DocID: docID,
						Detail: "vector dimension no longer matches the recorded embedding dimension",
					})
				}
			}
		}

		if paper.PendingVectorSync {
			issues = append(issues, model.ConsistencyIssue{
				Class: model.IssuePendingVectorSync, Severity: model.SeverityMedium, DocID: docID,
				Detail: "pending_vector_sync marker set",
			})
		}

		if paper.ContentID != "" {
			if other, dup := seenContentIDs[paper.ContentID]; dup {
				issues = append(issues, model.ConsistencyIssue{
					Class: model.IssueDuplicateContentID, Severity: model.SeverityCritical, DocID: docID,
					Detail: "content_id duplicates " + other,
				})
			} else {
				seenContentIDs[paper.ContentID] = docID
			}
		}
	}

	for vecDocID := range vecSet {
		if !relSet[vecDocID] {
			issues = append(issues, model.ConsistencyIssue{
				Class: model.IssueVectorWithoutPaper, Severity: model.SeverityHigh, DocID: vecDocID,
				Detail: "vector-store entries exist with no matching paper",
			})
		}
	}

	return Report{Issues: issues, Readiness: readinessScore(issues)}, nil
}

// autoFixable reports whether class is in the "auto-fix, safe" policy:
// classes (1) and (7) always, class (3) only at small scale (checked by
// the caller passing the current issue count).
func autoFixable(class model.IssueClass) bool {
	switch class {
	case model.IssuePaperWithoutVector, model.IssuePendingVectorSync, model.IssuePageCountMismatch:
		return true
	default:
		return false
	}
}

// FixResult tallies an auto-fix pass.
type FixResult struct {
	Fixed  int
	Failed int
}

// Fix repairs every auto-fixable issue in report by re-upserting the
// relational record's page text and mean vector into the vector store.
// Class (3) page-count mismatches are only auto-fixed when report has
// fewer than smallScaleThreshold total issues, keeping bulk rewrites
// behind an operator decision.
const smallScaleThreshold = 25

func (c *Checker) Fix(ctx context.Context, report Report, embed func(ctx context.Context, docID string) error) (FixResult, error) {
	var result FixResult
	smallScale := len(report.Issues) < smallScaleThreshold

	for _, issue := range report.Issues {
		if !autoFixable(issue.Class) {
			continue
		}
		if issue.Class == model.IssuePageCountMismatch && !smallScale {
			continue
		}

		if err := embed(ctx, issue.DocID); err != nil {
			log.Error().Err(err).Str("doc_id", issue.DocID).Str("class", issue.Detail).Msg("auto-fix failed")
			result.Failed++
			continue
		}
		if issue.Class == model.IssuePendingVectorSync {
			if err := c.rel.SetPendingVectorSync(ctx, issue.DocID, false); err != nil {
				result.Failed++
				continue
			}
		}
		result.Fixed++
	}
	return result, nil
}

// readinessScore summarizes fleet health on a 0-10 scale: start at 10,
// subtract per-issue penalties weighted by severity, floor at zero.
func readinessScore(issues []model.ConsistencyIssue) int {
	score := 10.0
	for _, issue := range issues {
		switch issue.Severity {
		case model.SeverityCritical:
			score -= 2.0
		case model.SeverityHigh:
			score -= 1.0
		case model.SeverityMedium:
			score -= 0.5
		case model.SeverityLow:
			score -= 0.1
		}
	}
	if score < 0 {
		score = 0
	}
	return int(score)
}
