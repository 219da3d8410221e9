package notify

import "strings"

const messageLimit = 4096

// splitMessage режет текст на части не длиннее limit рун, по возможности по переводам строк.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = messageLimit
	}
	runes := []rune(text)
	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = appendChunk(parts, runes)
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = appendChunk(parts, runes[:cut])
		runes = runes[cut:]
	}
	return parts
}

func appendChunk(parts []string, chunk []rune) []string {
	if s := strings.Trim(string(chunk), "\n "); s != "" {
		parts = append(parts, s)
	}
	return parts
}
