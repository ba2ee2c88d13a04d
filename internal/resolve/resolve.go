// Package resolve maps natural-language references ("the second one",
// "all of them", "the budget email") onto concrete resource IDs from
// the most recent listing shown to the user. Resolution is purely
// deterministic; no model call is involved.
package resolve

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies what a listing contains.
type Kind string

const (
	KindEmail Kind = "email"
	KindEvent Kind = "event"
	KindTask  Kind = "task"
)

// Item is a single entry from a listing: its stable ID and the title
// the user saw.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Listing is the result of the most recent listing tool call. Only one
// listing is live at a time; each new listing replaces the previous
// one regardless of kind.
type Listing struct {
	Kind  Kind   `json:"kind"`
	Items []Item `json:"items"`
}

// ErrNoMatch reports that a reference matched nothing in the listing.
type ErrNoMatch struct {
	Ref  string
	Kind Kind
}

func (e *ErrNoMatch) Error() string {
	return fmt.Sprintf("no %s matching %q in the last listing", e.Kind, e.Ref)
}

// ErrAmbiguous reports that a reference matched more than one item.
// Matches carries the candidates so the caller can ask the user to
// pick one.
type ErrAmbiguous struct {
	Ref     string
	Kind    Kind
	Matches []Item
}

func (e *ErrAmbiguous) Error() string {
	titles := make([]string, len(e.Matches))
	for i, m := range e.Matches {
		titles[i] = strconv.Quote(m.Title)
	}
	return fmt.Sprintf("%q matches %d %ss: %s", e.Ref, len(e.Matches), e.Kind, strings.Join(titles, ", "))
}

// ErrNoListing reports that resolution was attempted before any
// listing tool had run in the session.
type ErrNoListing struct {
	Ref string
}

func (e *ErrNoListing) Error() string {
	return fmt.Sprintf("cannot resolve %q: nothing has been listed yet", e.Ref)
}

// Selector is a parsed reference. Exactly one of the three forms is
// set: All, a 1-based Ordinal, or a Title to match against.
type Selector struct {
	All     bool
	Ordinal int // 1-based; 0 means not an ordinal reference
	Title   string
}

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"1st": 1, "2nd": 2, "3rd": 3, "4th": 4, "5th": 5,
	"6th": 6, "7th": 7, "8th": 8, "9th": 9, "10th": 10,
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var allPhrases = map[string]bool{
	"all": true, "all of them": true, "everything": true,
	"each": true, "every one": true, "them all": true,
}

// ParseSelector classifies a reference string. Filler words like
// "the" and "one" are stripped before classification, so "the second
// one" parses as ordinal 2. Anything that is not an all-phrase or an
// ordinal is treated as a title reference, preserved verbatim.
func ParseSelector(text string) Selector {
	norm := strings.ToLower(strings.TrimSpace(text))

	if allPhrases[norm] {
		return Selector{All: true}
	}

	stripped := norm
	for _, filler := range []string{"the ", "item ", "number ", "entry "} {
		stripped = strings.TrimPrefix(stripped, filler)
	}
	stripped = strings.TrimSuffix(stripped, " one")
	stripped = strings.TrimSuffix(stripped, " item")
	stripped = strings.TrimSpace(strings.TrimPrefix(stripped, "#"))

	if n, ok := ordinalWords[stripped]; ok {
		return Selector{Ordinal: n}
	}
	if n, err := strconv.Atoi(stripped); err == nil && n > 0 {
		return Selector{Ordinal: n}
	}

	return Selector{Title: strings.TrimSpace(text)}
}

// Resolve maps a selector onto IDs from the listing. The listing may
// be nil when no listing tool has run yet.
//
// Title matching is case-insensitive. An exact title match wins over
// substring matches, so "Budget" resolves cleanly even when other
// titles contain the word. Multiple equally good matches return
// *ErrAmbiguous; zero matches return *ErrNoMatch.
func Resolve(listing *Listing, sel Selector) ([]string, error) {
	ref := describeSelector(sel)
	if listing == nil || len(listing.Items) == 0 {
		if listing == nil {
			return nil, &ErrNoListing{Ref: ref}
		}
		return nil, &ErrNoMatch{Ref: ref, Kind: listing.Kind}
	}

	switch {
	case sel.All:
		ids := make([]string, len(listing.Items))
		for i, it := range listing.Items {
			ids[i] = it.ID
		}
		return ids, nil

	case sel.Ordinal > 0:
		if sel.Ordinal > len(listing.Items) {
			return nil, &ErrNoMatch{Ref: ref, Kind: listing.Kind}
		}
		return []string{listing.Items[sel.Ordinal-1].ID}, nil

	default:
		return resolveTitle(listing, sel.Title)
	}
}

// ResolveText is ParseSelector followed by Resolve.
func ResolveText(listing *Listing, text string) ([]string, error) {
	return Resolve(listing, ParseSelector(text))
}

func resolveTitle(listing *Listing, title string) ([]string, error) {
	want := strings.ToLower(strings.TrimSpace(title))
	if want == "" {
		return nil, &ErrNoMatch{Ref: title, Kind: listing.Kind}
	}

	var exact, partial []Item
	for _, it := range listing.Items {
		have := strings.ToLower(it.Title)
		switch {
		case have == want:
			exact = append(exact, it)
		case strings.Contains(have, want):
			partial = append(partial, it)
		}
	}

	matches := exact
	if len(matches) == 0 {
		matches = partial
	}

	switch len(matches) {
	case 0:
		return nil, &ErrNoMatch{Ref: title, Kind: listing.Kind}
	case 1:
		return []string{matches[0].ID}, nil
	default:
		return nil, &ErrAmbiguous{Ref: title, Kind: listing.Kind, Matches: matches}
	}
}

func describeSelector(sel Selector) string {
	switch {
	case sel.All:
		return "all"
	case sel.Ordinal > 0:
		return fmt.Sprintf("#%d", sel.Ordinal)
	default:
		return sel.Title
	}
}
