// Package template renders a plug-in's engine input files from a template
// plus a set of placeholder values, the re-architected form of BuildInput's
// "string-interpolated template input files" design note.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/tidwall/sjson"
)

// ErrUnresolvedPlaceholder is returned (wrapped with the offending token)
// when, after substitution, the rendered body still contains an
// unresolved "{{...}}" token. BuildInput is expected to wrap this error so
// the core and operators can distinguish a templating bug from a transient
// I/O failure.
type ErrUnresolvedPlaceholder struct {
	Token string
}

func (e *ErrUnresolvedPlaceholder) Error() string {
	return fmt.Sprintf("template: unresolved placeholder %q", e.Token)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Render reads templatePath, substitutes every key in placeholders, and
// writes the result to outPath. If templatePath looks like a JSON document
// (its first non-whitespace byte is '{' or '['), placeholders found at
// "{{path.to.key}}" positions are set via sjson using the dotted path
// itself, so a plug-in can template nested JSON MD input decks without the
// core binding to a fixed struct; otherwise a literal token-replace pass is
// used for plain-text templates. Either way, Render is idempotent: calling
// it twice with the same arguments produces byte-identical output, which is
// what lets BuildInput be safely retried after a crash.
func Render(placeholders map[string]string, templatePath, outPath string) error {
	body, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("template: read %s: %w", templatePath, err)
	}

	var rendered []byte
	if looksLikeJSON(body) {
		rendered, err = renderJSON(body, placeholders)
	} else {
		rendered = renderText(body, placeholders)
	}
	if err != nil {
		return err
	}

	if m := placeholderRe.FindSubmatch(rendered); m != nil {
		return fmt.Errorf("template: %s: %w", templatePath, &ErrUnresolvedPlaceholder{Token: string(m[1])})
	}

	if err := os.WriteFile(outPath, rendered, 0o644); err != nil {
		return fmt.Errorf("template: write %s: %w", outPath, err)
	}
	return nil
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// renderText performs a literal "{{key}}" -> value replace pass over a
// plain-text template body.
func renderText(body []byte, placeholders map[string]string) []byte {
	out := string(body)
	for key, val := range placeholders {
		out = regexp.MustCompile(`\{\{\s*`+regexp.QuoteMeta(key)+`\s*\}\}`).ReplaceAllString(out, val)
	}
	return []byte(out)
}

// renderJSON parses body only far enough to validate it is well-formed
// JSON, then, for each placeholder whose token appears in the body, applies
// one sjson.SetBytes keyed on its dotted path and replaces the literal token
// with the value, so no struct this package owns shapes the document. When
// the dotted path is not already present, SetBytes adds it, so the output
// can carry keys the template itself does not declare.
func renderJSON(body []byte, placeholders map[string]string) ([]byte, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("template: invalid JSON template")
	}
	out := body
	for key, val := range placeholders {
		token := "{{" + key + "}}"
		if !bytes.Contains(out, []byte(token)) {
			continue
		}
		var err error
		out, err = sjson.SetBytes(out, key, val)
		if err != nil {
			return nil, fmt.Errorf("template: set %s: %w", key, err)
		}
		out = bytes.ReplaceAll(out, []byte(token), []byte(val))
	}
	return out, nil
}
