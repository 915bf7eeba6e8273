// Package model defines the core domain types for the conflict check engine.
//
// Types correspond directly to database tables and API payloads. Strong
// typing throughout (UUIDs, time.Time, enums); interface{} is avoided.
package model

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/text/unicode/norm"
)

// PartyRole describes how a party relates to a matter.
type PartyRole string

const (
	RoleClient       PartyRole = "client"
	RoleCounterparty PartyRole = "counterparty"
	RoleRelated      PartyRole = "related-party"
)

// PartyRecord is a named party known to the firm. Parties are never
// physically deleted — Active is cleared instead so past conflict runs
// keep a resolvable subject.
type PartyRecord struct {
	EntityID       uuid.UUID        `json:"entity_id"`
	FirmID         uuid.UUID        `json:"firm_id"`
	DisplayName    string           `json:"display_name"`
	NormalizedName string           `json:"normalized_name"`
	AliasNames     []string         `json:"alias_names"`
	Embedding      *pgvector.Vector `json:"-"`
	Role           PartyRole        `json:"role"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NormalizedAliases returns the party's alias set plus its normalized name,
// each case/diacritic-folded and deduplicated. This is the identity set used
// for alias-aware candidate collapsing and for the run input hash.
func (p PartyRecord) NormalizedAliases() []string {
	seen := make(map[string]struct{}, len(p.AliasNames)+1)
	out := make([]string, 0, len(p.AliasNames)+1)
	add := func(s string) {
		n := NormalizeName(s)
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	add(p.NormalizedName)
	for _, a := range p.AliasNames {
		add(a)
	}
	sort.Strings(out)
	return out
}

// EmbeddingText is the string handed to the embedding adapter for this party.
// Aliases are appended so spelling variants pull the vector toward all known
// renderings of the name.
func (p PartyRecord) EmbeddingText() string {
	parts := append([]string{p.NormalizedName}, p.AliasNames...)
	return strings.Join(parts, "; ")
}

// NormalizeName lowercases, strips diacritics, and collapses whitespace.
// "Ahmed  Al-Mansouri" and "ahmed al-mansouri" normalize identically;
// "José" folds to "jose". Used for both stored normalized names and
// alias-collapse comparison, so the two must never diverge.
func NormalizeName(name string) string {
	decomposed := norm.NFD.String(name)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue // combining mark from NFD decomposition
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
