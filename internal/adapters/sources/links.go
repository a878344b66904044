package sources

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	// TwitterDomains перечисляет хосты ссылок на посты Twitter/X.
	TwitterDomains = []string{"twitter.com", "x.com", "mobile.twitter.com"}
	// BlueskyDomains перечисляет хосты ссылок на посты Bluesky.
	BlueskyDomains = []string{"bsky.app", "bsky.social"}
	// E621Domains перечисляет хосты e621.
	E621Domains = []string{"e621.net"}
	// FurAffinityDomains перечисляет хосты FurAffinity.
	FurAffinityDomains = []string{"furaffinity.net", "www.furaffinity.net", "beta.furaffinity.net"}
)

var markdownLinkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)

// ExtractURL возвращает первую ссылку из текста, хост которой входит в domains.
// Строки просматриваются по порядку: сначала markdown-ссылки строки, затем обычные.
func ExtractURL(text string, domains []string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, m := range markdownLinkRe.FindAllStringSubmatch(line, -1) {
			if candidate := strings.TrimSpace(m[2]); MatchesDomain(candidate, domains) {
				return candidate
			}
		}
		for _, word := range strings.Fields(line) {
			word = strings.ReplaceAll(strings.Trim(word, ",.!?()[]{}<>\"'"), `\`, "")
			if MatchesDomain(word, domains) {
				return word
			}
		}
	}
	return ""
}

// MatchesDomain проверяет, что raw является http(s)-ссылкой на один из domains или их поддомен.
func MatchesDomain(raw string, domains []string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
