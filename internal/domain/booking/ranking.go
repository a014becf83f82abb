package booking

import (
	"sort"
	"strings"
)

// Rank filters search hits to the request's price band and criteria, drops
// duplicates and orders them cheapest first, breaking ties on rating. At most
// limit refs are returned; limit <= 0 means no cap.
func Rank(req Request, found []Candidate, limit int) []ListingRef {
	seen := make(map[string]bool, len(found))
	var kept []Candidate
	for _, c := range found {
		id := strings.TrimSpace(c.Ref.ID)
		if id == "" || c.Ref.URL == "" || seen[id] {
			continue
		}
		// unknown price stays in; it is checked again before committing
		if c.Price > 0 {
			if req.MinPrice > 0 && c.Price < req.MinPrice {
				continue
			}
			if req.MaxPrice > 0 && c.Price > req.MaxPrice {
				continue
			}
		}
		if !req.Criteria.Admits(c) {
			continue
		}
		seen[id] = true
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		pi, pj := kept[i].Price, kept[j].Price
		if pi <= 0 {
			pi = 1 << 30
		}
		if pj <= 0 {
			pj = 1 << 30
		}
		if pi != pj {
			return pi < pj
		}
		return kept[i].Rating > kept[j].Rating
	})

	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	out := make([]ListingRef, 0, len(kept))
	for _, c := range kept {
		out = append(out, c.Ref)
	}
	return out
}

// Dedupe keeps the first occurrence of each listing ID.
func Dedupe(refs []ListingRef) []ListingRef {
	seen := make(map[string]bool, len(refs))
	out := make([]ListingRef, 0, len(refs))
	for _, r := range refs {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

// apartmentKinds maps a kind of lodging to the words listing cards use for it.
var apartmentKinds = map[string][]string{
	"studio":     {"studio", "студия", "студию"},
	"apartment":  {"apartment", "flat", "квартира", "апартамент"},
	"room":       {"room", "комната"},
	"house":      {"house", "cottage", "villa", "дом", "коттедж", "вилла"},
	"hotel":      {"hotel", "отель", "гостиница"},
	"hostel":     {"hostel", "хостел"},
	"guesthouse": {"guest house", "guesthouse", "гостевой дом"},
}

// kindOf resolves a requested apartment type to a known kind, or "".
func kindOf(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := apartmentKinds[s]; ok {
		return s
	}
	for kind, words := range apartmentKinds {
		for _, w := range words {
			if s == w {
				return kind
			}
		}
	}
	return ""
}

func mentions(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// Admits reports whether a search hit is compatible with the criteria. Only
// what the card contradicts is rejected: a hit that says nothing about its
// district or kind stays in. Amenities are not shown on cards and are left to
// the search query.
func (c Criteria) Admits(hit Candidate) bool {
	if d := strings.ToLower(strings.TrimSpace(c.District)); d != "" {
		where := strings.ToLower(hit.Address)
		if where != "" && !strings.Contains(where, d) {
			return false
		}
	}
	want := kindOf(c.ApartmentType)
	if want == "" {
		return true
	}
	title := strings.ToLower(hit.Ref.Title)
	if title == "" || mentions(title, apartmentKinds[want]) {
		return true
	}
	for kind, words := range apartmentKinds {
		if kind != want && mentions(title, words) {
			return false
		}
	}
	return true
}
