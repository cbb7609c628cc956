package podcast

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var (
	jsonBlockPattern     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectPattern    = regexp.MustCompile(`(?s)\{.*\}`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// decodeJSON extracts the JSON object from a model answer, which may wrap
// it in a markdown code block, and decodes it into v.
func decodeJSON(content string, v any) error {
	raw := ""
	if matches := jsonBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		raw = matches[1]
	} else {
		raw = jsonObjectPattern.FindString(content)
	}
	if raw == "" {
		return fmt.Errorf("no JSON object in response")
	}
	raw = trailingCommaPattern.ReplaceAllString(raw, "$1")
	return json.Unmarshal([]byte(raw), v)
}

var stopwords = map[string]bool{
	"a": true, "about": true, "after": true, "all": true, "also": true, "an": true,
	"and": true, "any": true, "are": true, "as": true, "at": true, "be": true,
	"been": true, "but": true, "by": true, "can": true, "did": true, "do": true,
	"for": true, "from": true, "get": true, "had": true, "has": true, "have": true,
	"how": true, "i": true, "if": true, "in": true, "into": true, "is": true,
	"it": true, "its": true, "just": true, "like": true, "me": true, "more": true,
	"my": true, "new": true, "no": true, "not": true, "of": true, "on": true,
	"or": true, "our": true, "out": true, "so": true, "some": true, "that": true,
	"the": true, "their": true, "them": true, "then": true, "there": true,
	"these": true, "they": true, "this": true, "to": true, "up": true, "us": true,
	"was": true, "we": true, "what": true, "when": true, "which": true, "who": true,
	"will": true, "with": true, "would": true, "you": true, "your": true,
	"podcast": true, "episode": true, "please": true, "make": true, "want": true,
}

// keywords returns up to n of the most frequent non-trivial words across the
// texts. Ties keep first-seen order.
func keywords(n int, texts ...string) []string {
	counts := map[string]int{}
	var order []string
	for _, text := range texts {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, word := range words {
			if len([]rune(word)) < 2 || stopwords[word] {
				continue
			}
			if counts[word] == 0 {
				order = append(order, word)
			}
			counts[word]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}
	return order
}

// chunk splits text into pieces of at most size runes, breaking on
// paragraph and then word boundaries.
func chunk(text string, size int) []string {
	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}
	for _, paragraph := range strings.Split(text, "\n\n") {
		for _, word := range strings.Fields(paragraph) {
			if current.Len() > 0 && len([]rune(current.String()))+1+len([]rune(word)) > size {
				flush()
			}
			if current.Len() > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(word)
		}
		if len([]rune(current.String())) >= size/2 {
			flush()
		} else if current.Len() > 0 {
			current.WriteString("\n\n")
		}
	}
	flush()
	return chunks
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
