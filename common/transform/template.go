package transform

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
)

// Placeholder forms: {var}, {{var}}, with dotted paths allowed
var templatePattern = regexp.MustCompile(`\{\{?\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}?\}`)

// Substitute replaces {var} and {{var}} placeholders with values from
// vars. Dotted paths traverse nested maps via gjson. Unresolvable
// placeholders are left in the output verbatim and reported back so the
// caller can record them; template problems never fail a run.
func Substitute(tmpl string, vars map[string]any) (string, []string) {
	if tmpl == "" || len(vars) == 0 && !templatePattern.MatchString(tmpl) {
		return tmpl, nil
	}

	doc, err := json.Marshal(vars)
	if err != nil {
		return tmpl, []string{fmt.Sprintf("template vars not serializable: %v", err)}
	}

	var missing []string
	out := templatePattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		result := gjson.GetBytes(doc, path)
		if !result.Exists() {
			missing = append(missing, path)
			return match
		}
		if result.Type == gjson.String {
			return result.String()
		}
		return result.Raw
	})

	return out, missing
}

// References reports whether the template mentions any of the given
// variable names. Used to disable conversation auto-prepend when the
// prompt already pulls the conversation in explicitly.
func References(tmpl string, names ...string) bool {
	for _, match := range templatePattern.FindAllStringSubmatch(tmpl, -1) {
		for _, name := range names {
			if match[1] == name {
				return true
			}
		}
	}
	return false
}
