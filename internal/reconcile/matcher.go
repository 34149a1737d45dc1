package reconcile

import (
	"strings"
	"unicode"

	"soulqueue/internal/domain"
)

// minTitleToken is the shortest title word used for containment matching.
// Shorter words ("a", "the", "mix") match too many unrelated files.
const minTitleToken = 4

// Claimed is the set of record keys already attributed during one cycle.
type Claimed map[string]struct{}

func (c Claimed) has(rec domain.TransferRecord) bool {
	_, ok := c[recordKey(rec)]
	return ok
}

// Claim marks rec as attributed.
func (c Claimed) Claim(rec domain.TransferRecord) {
	c[recordKey(rec)] = struct{}{}
}

func recordKey(rec domain.TransferRecord) string {
	if rec.ID != "" {
		return "id:" + rec.ID
	}
	return "file:" + strings.ToLower(rec.Username) + "\x00" + rec.Filename
}

// MatchRule is one step of the matcher.
type MatchRule func(item *domain.DownloadItem, records []domain.TransferRecord, claimed Claimed) (domain.TransferRecord, bool)

// MatchRules are ordered from most to least specific. A cycle runs each rule
// over every item before trying the next one, so a loose title match never
// takes a record another item owns by id or by exact file name.
var MatchRules = []MatchRule{MatchByID, MatchByName, MatchByTitle}

// Match returns the best unclaimed record for a single item:
// remote id first, then same user with the same file name, then a file name
// containing every significant title word.
func Match(item *domain.DownloadItem, records []domain.TransferRecord, claimed Claimed) (domain.TransferRecord, bool) {
	for _, rule := range MatchRules {
		if rec, ok := rule(item, records, claimed); ok {
			return rec, true
		}
	}
	return domain.TransferRecord{}, false
}

// MatchByID finds the unclaimed record carrying the item's remote id.
func MatchByID(item *domain.DownloadItem, records []domain.TransferRecord, claimed Claimed) (domain.TransferRecord, bool) {
	id := item.RemoteTransferID()
	if id == "" {
		return domain.TransferRecord{}, false
	}
	for _, rec := range records {
		if rec.ID == id && !claimed.has(rec) {
			return rec, true
		}
	}
	return domain.TransferRecord{}, false
}

// MatchByName finds an unclaimed record from the item's user whose base
// name equals the item's, ignoring case.
func MatchByName(item *domain.DownloadItem, records []domain.TransferRecord, claimed Claimed) (domain.TransferRecord, bool) {
	base := strings.ToLower(domain.BaseName(item.FilePath()))
	if base == "" {
		return domain.TransferRecord{}, false
	}
	for _, rec := range records {
		if claimed.has(rec) || !sameUser(item.Username, rec.Username) {
			continue
		}
		if strings.ToLower(domain.BaseName(rec.Filename)) == base {
			return rec, true
		}
	}
	return domain.TransferRecord{}, false
}

// MatchByTitle finds an unclaimed record whose base name contains every
// title word of at least minTitleToken letters. Records from the item's own
// user are preferred.
func MatchByTitle(item *domain.DownloadItem, records []domain.TransferRecord, claimed Claimed) (domain.TransferRecord, bool) {
	tokens := titleTokens(item.Title)
	if len(tokens) == 0 {
		return domain.TransferRecord{}, false
	}
	var fallback *domain.TransferRecord
	for i, rec := range records {
		if claimed.has(rec) || !containsAll(strings.ToLower(domain.BaseName(rec.Filename)), tokens) {
			continue
		}
		if sameUser(item.Username, rec.Username) {
			return rec, true
		}
		if fallback == nil {
			fallback = &records[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return domain.TransferRecord{}, false
}

func sameUser(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func titleTokens(title string) []string {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= minTitleToken {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func containsAll(s string, tokens []string) bool {
	for _, t := range tokens {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}
