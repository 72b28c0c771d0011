// Package bm25 implements a BM25Okapi inverted index over decision
// searchable text (spec §4.D). No BM25 library appears anywhere in the
// retrieval pack (checked: akashi, axonflow, codenerd, agentic-shell,
// specmcp all either shell out to Postgres/Elastic full-text search or
// have no keyword-search component at all) so this is a deliberate
// stdlib-only implementation — see DESIGN.md.
package bm25

import (
	"math"
	"regexp"
	"strings"
)

const (
	k1 = 1.5
	b  = 0.75
)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize lowercases and splits on Unicode word characters with no
// stemming, per §4.D.
func Tokenize(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

// Document is one entry of the index: an opaque id and its searchable text.
type Document struct {
	ID   string
	Text string
}

// Index is an immutable BM25Okapi index built from a fixed document batch.
// Readers use the snapshot freely; building a new Index is the only write
// path, and this package holds no lock. internal/query builds a fresh Index
// from the current decision set for each query.
type Index struct {
	docIDs  []string
	docLens []int
	avgLen  float64
	// postings maps a term to (doc index -> term frequency in that doc).
	postings map[string]map[int]int
	docCount int
}

// Build tokenizes every document and constructs the index.
func Build(docs []Document) *Index {
	idx := &Index{
		docIDs:   make([]string, len(docs)),
		docLens:  make([]int, len(docs)),
		postings: make(map[string]map[int]int),
		docCount: len(docs),
	}

	var totalLen int
	for i, d := range docs {
		idx.docIDs[i] = d.ID
		tokens := Tokenize(d.Text)
		idx.docLens[i] = len(tokens)
		totalLen += len(tokens)

		counts := make(map[string]int)
		for _, tok := range tokens {
			counts[tok]++
		}
		for term, tf := range counts {
			if idx.postings[term] == nil {
				idx.postings[term] = make(map[int]int)
			}
			idx.postings[term][i] = tf
		}
	}
	if idx.docCount > 0 {
		idx.avgLen = float64(totalLen) / float64(idx.docCount)
	}
	return idx
}

// Score is one document's BM25 result.
type Score struct {
	ID    string
	Score float64
}

// Query scores every document against the tokenized query text using
// BM25Okapi (k1=1.5, b=0.75) and returns scores min-max normalized to
// [0,1], per §4.D. Documents with zero raw score are omitted.
func (idx *Index) Query(query string) []Score {
	terms := Tokenize(query)
	if idx.docCount == 0 || len(terms) == 0 {
		return nil
	}

	raw := make(map[int]float64)
	for _, term := range terms {
		postings := idx.postings[term]
		if len(postings) == 0 {
			continue
		}
		idf := idfOf(idx.docCount, len(postings))
		for docIdx, tf := range postings {
			dl := float64(idx.docLens[docIdx])
			denom := float64(tf) + k1*(1-b+b*dl/idx.avgLen)
			raw[docIdx] += idf * (float64(tf) * (k1 + 1)) / denom
		}
	}
	if len(raw) == 0 {
		return nil
	}

	minScore, maxScore := math.Inf(1), math.Inf(-1)
	for _, s := range raw {
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}

	scores := make([]Score, 0, len(raw))
	for docIdx, s := range raw {
		norm := 1.0
		if maxScore > minScore {
			norm = (s - minScore) / (maxScore - minScore)
		}
		scores = append(scores, Score{ID: idx.docIDs[docIdx], Score: norm})
	}
	return scores
}

// idfOf is BM25's IDF with the standard +1 smoothing term so it never goes
// negative for terms appearing in the majority of documents.
func idfOf(docCount, docFreq int) float64 {
	return math.Log(1 + (float64(docCount)-float64(docFreq)+0.5)/(float64(docFreq)+0.5))
}
