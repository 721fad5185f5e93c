package dlp

import "regexp"

// linkPattern is greedy on purpose: trailing punctuation glued to a URL is
// kept as part of it. URLs are compared byte for byte, never normalized.
var linkPattern = regexp.MustCompile(`https?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)

// ExtractLinks returns the distinct http/https URLs in text in first-seen
// order. It returns nil when there are none.
func ExtractLinks(text string) []string {
	found := linkPattern.FindAllString(text, -1)
	if len(found) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(found))
	urls := make([]string, 0, len(found))
	for _, u := range found {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}
