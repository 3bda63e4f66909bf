package enrich

import (
	"bytes"
	"encoding/json"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// docTypeRules map filename fragments to a document type. Earlier rules
// win.
var docTypeRules = []struct {
	docType   string
	fragments []string
}{
	{"sow", []string{"sow", "statement of work"}},
	{"pws", []string{"pws", "performance work"}},
	{"rfi", []string{"rfi", "request for info"}},
	{"amendment", []string{"amendment", "mod"}},
	{"qa", []string{"qa", "q&a", "question"}},
	{"attachment", []string{".pdf"}},
}

// GuessDocType classifies an attachment by its filename.
func GuessDocType(filename string) string {
	name := strings.ToLower(filename)
	for _, r := range docTypeRules {
		for _, f := range r.fragments {
			if strings.Contains(name, f) {
				return r.docType
			}
		}
	}
	return "other"
}

// ExtractText returns the readable text of a downloaded body. HTML is
// reduced to its text nodes, a JSON object with a "description" field is
// unwrapped first, and plain text is kept. Anything else, PDFs included, has
// no text here.
func ExtractText(filename, contentType string, body []byte) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	ext := strings.ToLower(path.Ext(filename))

	switch {
	case mediaType == "application/json":
		var wrapped struct {
			Description string `json:"description"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Description != "" {
			return HTMLText(wrapped.Description)
		}
		return ""
	case mediaType == "text/html" || ext == ".html" || ext == ".htm":
		return HTMLText(string(body))
	case strings.HasPrefix(mediaType, "text/") || ext == ".txt":
		if !utf8.Valid(body) {
			return ""
		}
		return strings.TrimSpace(string(body))
	}
	return ""
}

// HTMLText returns the text nodes of an HTML fragment, one block per line,
// skipping script and style content.
func HTMLText(s string) string {
	z := html.NewTokenizer(bytes.NewReader([]byte(s)))
	var parts []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(parts, "\n")
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawText(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawText(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.TrimSpace(string(z.Text())); t != "" {
				parts = append(parts, t)
			}
		}
	}
}

func isRawText(tag []byte) bool {
	return string(tag) == "script" || string(tag) == "style"
}

// CollapseWhitespace replaces every whitespace run with one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
