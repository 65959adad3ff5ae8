// Package tags matches free-text account tags against the protected-tag vocabulary.
package tags

import (
	"encoding/json"
	"sort"
	"strings"
)

// Entry is a canonical tag and the variants that mean the same thing.
type Entry struct {
	Canonical string
	Variants  []string
}

// DefaultVocabulary is the protected/relevant tag vocabulary.
// An account carrying any of these has an independent legitimacy indicator.
var DefaultVocabulary = []Entry{
	{"big_sellers", []string{"big_seller", "seller", "sellers", "vendedor", "vendedores"}},
	{"comerciales", []string{"comercial", "commercial"}},
	{"key_users", []string{"key_user", "usuario_clave", "usuarios_clave"}},
	{"referidos", []string{"referido", "referral", "referrals", "referred"}},
	{"legales", []string{"legal", "juridico"}},
	{"influencers", []string{"influencer", "influenciador"}},
	{"personalidades_prominentes", []string{"personalidad", "personalidad_prominente", "prominent"}},
	{"usuarios_test_productivos", []string{"test_productivo", "test_productivos", "productive_test"}},
	{"cuenta_interna", []string{"cuentas_internas", "internal", "interno", "interna"}},
	{"usuarios_tpv_high", []string{"tpv_high", "tpv", "high_tpv"}},
	{"protected_user", []string{"protected", "protegido", "usuario_protegido"}},
	{"partners", []string{"partner", "socio", "socios"}},
	{"vendors", []string{"vendor", "proveedor", "proveedores"}},
	{"cuentas_con_salario_en_mp", []string{"salario", "salario_mp"}},
	{"salary_portability", []string{"salary", "sueldo", "nomina", "portabilidad", "portability"}},
	{"cartera_asesorada", []string{"cartera", "asesorada", "asesor"}},
	{"usuarios_cbt", []string{"cbt"}},
	{"tiendas_oficiales", []string{"tienda_oficial", "official_store", "store"}},
}

var prefixes = []string{"usuarios_", "top_"}

// Matcher resolves tags to canonical vocabulary entries by set membership.
// It is built once and safe for concurrent use.
type Matcher struct {
	lookup map[string]string
}

// NewMatcher builds a matcher from a vocabulary.
// When two entries produce the same normalized form, the first one wins.
func NewMatcher(vocab []Entry) *Matcher {
	m := &Matcher{lookup: make(map[string]string)}
	for _, e := range vocab {
		canonical := Normalize(e.Canonical)
		m.register(canonical, canonical)
		for _, v := range e.Variants {
			m.register(Normalize(v), canonical)
		}
	}
	return m
}

// Default returns a matcher over DefaultVocabulary.
func Default() *Matcher {
	return NewMatcher(DefaultVocabulary)
}

func (m *Matcher) register(form, canonical string) {
	if form == "" {
		return
	}
	forms := []string{form, pluralToggle(form)}
	for _, p := range prefixes {
		forms = append(forms, p+form, p+pluralToggle(form))
	}
	for _, f := range forms {
		if _, exists := m.lookup[f]; !exists {
			m.lookup[f] = canonical
		}
	}
}

// Canonical returns the vocabulary entry a single tag resolves to.
func (m *Matcher) Canonical(tag string) (string, bool) {
	n := Normalize(tag)
	if n == "" {
		return "", false
	}
	if c, ok := m.lookup[n]; ok {
		return c, true
	}
	for _, p := range prefixes {
		if rest, found := strings.CutPrefix(n, p); found && rest != "" {
			if c, ok := m.lookup[rest]; ok {
				return c, true
			}
		}
	}
	return "", false
}

// Match returns the sorted, deduplicated canonical entries matched by tags.
// A tag that matches nothing as a whole is retried word by word, so
// space-joined lists ("big_sellers key_users") still resolve.
func (m *Matcher) Match(tags []string) []string {
	seen := make(map[string]struct{})
	for _, t := range tags {
		if c, ok := m.Canonical(t); ok {
			seen[c] = struct{}{}
			continue
		}
		for _, word := range strings.Fields(t) {
			if c, ok := m.Canonical(word); ok {
				seen[c] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Normalize lowercases a tag and unifies separators to a single underscore.
func Normalize(tag string) string {
	var b strings.Builder
	lastSep := true
	for _, r := range strings.ToLower(strings.TrimSpace(tag)) {
		switch r {
		case '_', '-', ' ', '.', '\t':
			if !lastSep {
				b.WriteByte('_')
			}
			lastSep = true
		default:
			b.WriteRune(r)
			lastSep = false
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func pluralToggle(s string) string {
	if strings.HasSuffix(s, "s") {
		return strings.TrimSuffix(s, "s")
	}
	return s + "s"
}

// ParseField splits a raw tag field into tags.
// Accepts a JSON array, a list delimited by comma, semicolon, pipe or newline,
// or a single string. Spaces are kept inside a tag ("Big Sellers"); Match
// falls back to single words when the whole tag is unknown.
func ParseField(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			return compact(arr)
		}
		raw = strings.Trim(raw, "[]")
	}

	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '|' || r == '\n'
	})
	for i, p := range parts {
		parts[i] = strings.Trim(p, ` "'`)
	}
	return compact(parts)
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
