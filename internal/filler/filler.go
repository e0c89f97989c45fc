// Package filler resolves ${key} placeholders in template text.
//
// A placeholder is ${key}, ${key?} or either form with an embedded default,
// e.g. ${name? default('Friend')}. Keys are matched case-insensitively and may
// contain letters, digits, '_', '.' and spaces; anything else is left as
// literal text.
package filler

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_. ]+)(\?)?\s*(?:default\('([^']*)'\))?\s*\}`)

// Placeholder is one recognized occurrence in a template string.
type Placeholder struct {
	Raw        string
	Key        string
	Optional   bool
	Default    string
	HasDefault bool
}

func parse(match []string) (Placeholder, bool) {
	key := strings.ToLower(strings.TrimSpace(match[1]))
	if key == "" {
		return Placeholder{}, false
	}
	p := Placeholder{
		Raw:      match[0],
		Key:      key,
		Optional: match[2] == "?",
	}
	if strings.Contains(match[0], "default('") {
		p.Default = match[3]
		p.HasDefault = true
	}
	return p, true
}

// Find returns every recognized placeholder in s, in order of appearance.
func Find(s string) []Placeholder {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []Placeholder
	for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
		if p, ok := parse(m); ok {
			out = append(out, p)
		}
	}
	return out
}

// ExtractKeys returns the lower-cased, de-duplicated keys used across texts,
// in order of first appearance.
func ExtractKeys(texts ...string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, t := range texts {
		for _, p := range Find(t) {
			if _, ok := seen[p.Key]; ok {
				continue
			}
			seen[p.Key] = struct{}{}
			keys = append(keys, p.Key)
		}
	}
	return keys
}

// Defaults maps each key to the first embedded default found across texts.
// Earlier texts take precedence.
func Defaults(texts ...string) map[string]string {
	out := make(map[string]string)
	for _, t := range texts {
		for _, p := range Find(t) {
			if !p.HasDefault {
				continue
			}
			if _, ok := out[p.Key]; !ok {
				out[p.Key] = p.Default
			}
		}
	}
	return out
}

// Lower returns a copy of fillers keyed by lower-cased key. A key that is
// already lower case wins over a differently cased duplicate.
func Lower(fillers map[string]string) map[string]string {
	out := make(map[string]string, len(fillers))
	for k, v := range fillers {
		lk := strings.ToLower(strings.TrimSpace(k))
		if lk == k {
			out[lk] = v
		}
	}
	for k, v := range fillers {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, ok := out[lk]; !ok {
			out[lk] = v
		}
	}
	return out
}

// Resolve substitutes every placeholder in s in a single pass: the supplied
// value if the key is present, else the embedded default, else nothing.
// Substituted values are never re-expanded and fillers is not modified.
func Resolve(s string, fillers map[string]string) string {
	if s == "" {
		return s
	}
	lookup := Lower(fillers)
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		p, ok := parse(placeholder.FindStringSubmatch(m))
		if !ok {
			return m
		}
		if v, ok := lookup[p.Key]; ok {
			return v
		}
		return p.Default
	})
}
