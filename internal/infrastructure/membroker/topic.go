package membroker

import "strings"

// topicMatch reports whether routingKey matches bindingKey under topic
// exchange rules: words are separated by '.', '*' matches exactly one word and
// '#' matches zero or more words. Empty words are ordinary words.
func topicMatch(bindingKey, routingKey string) bool {
	return matchWords(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		switch head {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchWords(rest, words[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || words[0] != head {
				return false
			}
		}
		pattern = pattern[1:]
		words = words[1:]
	}
	return len(words) == 0
}
