package fetcher

import (
	"net/url"
	"strings"
)

var domainByLocale = map[string]string{
	"en": "com",
	"fr": "fr",
	"de": "de",
	"nl": "nl",
	"pl": "pl",
}

// DomainForLocale maps a rule locale to the marketplace top-level domain.
// Unknown locales are used as the domain as-is.
func DomainForLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if domain, ok := domainByLocale[locale]; ok {
		return domain
	}
	return locale
}

func baseURLForLocale(locale string) string {
	return "https://www.vinted." + DomainForLocale(locale)
}

// BuildSearchURL returns the human-facing catalog page for a keyword.
func BuildSearchURL(keyword, locale string) string {
	params := url.Values{}
	params.Set("search_text", keyword)
	params.Set("order", "newest_first")
	return baseURLForLocale(locale) + "/catalog?" + params.Encode()
}
