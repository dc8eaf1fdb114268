// Package fingerprint computes stable digests of OpenURL request parameters,
// used to recognise a request that has been seen before.
package fingerprint

import (
	"crypto/md5" //nolint:gosec // identity digest, not a security boundary
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Namespace is the prefix of parameters the resolver adds for its own use
// (request ids, service groups). They never describe the citation.
const Namespace = "resolver."

// ExcludedKeys are routing and framing parameters that never contribute to a
// fingerprint. ctx_tim is excluded so that two otherwise identical context
// objects generated at different times compare equal.
var ExcludedKeys = []string{
	"action",
	"controller",
	"page",
	"rft.action",
	"rft.controller",
	"ctx_tim",
}

// Excluded reports whether key is ignored when fingerprinting.
func Excluded(key string) bool {
	if strings.HasPrefix(key, Namespace) {
		return true
	}
	for _, k := range ExcludedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Fingerprint returns the hex digest of the canonical form of params, or ""
// when no parameters remain after exclusion.
//
// Keys are sorted, empty values dropped, and each value list sorted before
// serialization, so insertion order and repeat order never matter.
func Fingerprint(params url.Values) string {
	pairs := Canonical(params)
	if len(pairs) == 0 {
		return ""
	}
	serialized, err := yaml.Marshal(pairs)
	if err != nil {
		// A [][]any of strings always marshals; this is unreachable.
		panic("fingerprint: marshal canonical params: " + err.Error())
	}
	sum := md5.Sum(serialized) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Canonical returns the sorted [key, values] pairs that Fingerprint hashes.
func Canonical(params url.Values) [][]any {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "" || Excluded(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][]any, 0, len(keys))
	for _, k := range keys {
		values := make([]string, 0, len(params[k]))
		for _, v := range params[k] {
			if v != "" {
				values = append(values, v)
			}
		}
		sort.Strings(values)
		pairs = append(pairs, []any{k, values})
	}
	return pairs
}
