package router

import (
	"strings"
	"unicode"
)

const maxCommandLen = 32

// splitArgs breaks a command line into words. Single or double quotes group
// words and may produce an empty word; a backslash takes the next rune
// literally.
//
//	/clone abc "2024-03-02 08:30" --tz=Asia/Jakarta
func splitArgs(line string) []string {
	var (
		words   []string
		cur     []rune
		open    rune // active quote rune, 0 outside quotes
		escaped bool
		inWord  bool
	)
	end := func() {
		if inWord {
			words = append(words, string(cur))
		}
		cur, inWord = cur[:0], false
	}
	for _, r := range line {
		switch {
		case escaped:
			cur, escaped = append(cur, r), false
		case r == '\\':
			escaped, inWord = true, true
		case open != 0:
			if r == open {
				open = 0
			} else {
				cur = append(cur, r)
			}
		case r == '"' || r == '\'':
			open, inWord = r, true
		case unicode.IsSpace(r):
			end()
		default:
			cur, inWord = append(cur, r), true
		}
	}
	end()
	return words
}

// splitFlags separates "--name=value", "--name value" and bare "--name"
// (which reads as "true") from positional words. A lone "-" prefix is not a
// flag, so negative chat ids stay positional.
func splitFlags(words []string) ([]string, map[string]string) {
	var pos []string
	flags := make(map[string]string)
	for i := 0; i < len(words); i++ {
		name, ok := strings.CutPrefix(words[i], "--")
		if !ok || name == "" {
			pos = append(pos, words[i])
			continue
		}
		if k, v, found := strings.Cut(name, "="); found {
			flags[k] = v
			continue
		}
		value := "true"
		if i+1 < len(words) && !strings.HasPrefix(words[i+1], "--") {
			i++
			value = words[i]
		}
		flags[name] = value
	}
	return pos, flags
}

// commandName normalizes s to a name the Bot API accepts in a command menu:
// lower case letters, digits and underscores, starting with a letter. It
// returns "" when nothing usable is left.
func commandName(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	name := strings.Join(fields, "_")
	if len(name) > maxCommandLen {
		name = strings.TrimRight(name[:maxCommandLen], "_")
	}
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		return ""
	}
	return name
}
