package export

import (
	"strconv"
	"strings"
	"unicode"
)

const maxFilenameStem = 50

// fileName builds the download name for a draft, e.g. "aurora-charter-v4.pdf".
func fileName(title string, version int64, format Format) string {
	stem := slug(title)
	if version > 0 {
		stem += "-v" + strconv.FormatInt(version, 10)
	}
	return stem + "." + string(format)
}

// slug lowercases ASCII letters and digits and joins the words between
// them with single dashes. Titles with nothing usable become "charter".
func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range title {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r), r == '-', r == '_', r == '/':
			dash = true
		}
		if b.Len() >= maxFilenameStem {
			break
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxFilenameStem {
		out = strings.TrimRight(out[:maxFilenameStem], "-")
	}
	if out == "" {
		return "charter"
	}
	return out
}
