package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
)

// Special token IDs. Kept word-level rather than subword: span sampling is
// defined over whitespace-ish tokens, and subword merges would split the
// sampled spans the contrastive loss compares.
const (
	PadTokenID  = 0
	UnkTokenID  = 1
	MaskTokenID = 2

	padToken  = "[PAD]"
	unkToken  = "[UNK]"
	maskToken = "[MASK]"

	// NumSpecialTokens is the floor for random-replacement draws during
	// masking: specials must never be sampled as replacements.
	NumSpecialTokens = 3
)

// Vocabulary maps word-level tokens to dense integer IDs.
type Vocabulary struct {
	TokenToID map[string]int `json:"token_to_id"`
	IDToToken []string       `json:"id_to_token"`
}

// NewVocabulary creates a vocabulary holding only the special tokens.
func NewVocabulary() *Vocabulary {
	v := &Vocabulary{
		TokenToID: make(map[string]int),
		IDToToken: make([]string, 0, NumSpecialTokens),
	}
	for _, tok := range []string{padToken, unkToken, maskToken} {
		v.add(tok)
	}
	return v
}

// BuildVocabulary scans documents and keeps the maxSize most frequent tokens
// seen at least minCount times, after the specials. Ties break
// lexicographically so builds are deterministic.
func BuildVocabulary(docs []string, tokenize TokenizerFunc, maxSize, minCount int) *Vocabulary {
	if tokenize == nil {
		tokenize = strings.Fields
	}
	if minCount < 1 {
		minCount = 1
	}

	counts := make(map[string]int)
	for _, doc := range docs {
		for _, tok := range tokenize(doc) {
			counts[tok]++
		}
	}

	type entry struct {
		token string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for tok, c := range counts {
		if c >= minCount {
			entries = append(entries, entry{tok, c})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].token < entries[j].token
	})

	v := NewVocabulary()
	for _, e := range entries {
		if maxSize > 0 && v.Size() >= maxSize {
			break
		}
		v.add(e.token)
	}
	return v
}

func (v *Vocabulary) add(token string) int {
	if id, ok := v.TokenToID[token]; ok {
		return id
	}
	id := len(v.IDToToken)
	v.TokenToID[token] = id
	v.IDToToken = append(v.IDToToken, token)
	return id
}

// Size returns the number of entries, specials included.
func (v *Vocabulary) Size() int { return len(v.IDToToken) }

// ID returns the ID for token, or UnkTokenID for out-of-vocabulary tokens.
func (v *Vocabulary) ID(token string) int {
	if id, ok := v.TokenToID[token]; ok {
		return id
	}
	return UnkTokenID
}

// Token returns the token for id. Panics on an out-of-range id.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.IDToToken) {
		panic(fmt.Sprintf("vocab: id %d out of range [0,%d)", id, len(v.IDToToken)))
	}
	return v.IDToToken[id]
}

// Encode maps tokens to IDs, substituting UnkTokenID for unknown tokens.
func (v *Vocabulary) Encode(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = v.ID(tok)
	}
	return ids
}

// EncodeText whitespace-splits text and encodes it.
func (v *Vocabulary) EncodeText(text string) []int {
	return v.Encode(strings.Fields(text))
}

// Save writes the vocabulary as JSON.
func (v *Vocabulary) Save(path string) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("vocab: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("vocab: write %s: %w", path, err)
	}
	return nil
}

// LoadVocabulary reads a vocabulary written by Save.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vocab: read %s: %w", path, err)
	}
	var v Vocabulary
	if err := sonic.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("vocab: unmarshal %s: %w", path, err)
	}
	return &v, nil
}

// PadTo right-pads ids with PadTokenID up to length n. IDs longer than n are
// returned unchanged.
func PadTo(ids []int, n int) []int {
	if len(ids) >= n {
		return ids
	}
	padded := make([]int, n)
	copy(padded, ids)
	for i := len(ids); i < n; i++ {
		padded[i] = PadTokenID
	}
	return padded
}
