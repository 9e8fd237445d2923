package signals

import (
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// PlatformHosts are the platform's own web and CDN domains. Subdomains match too.
var PlatformHosts = []string{
	"instagram.com",
	"cdninstagram.com",
	"fbcdn.net",
	"facebook.com",
	"fb.com",
	"fb.me",
	"instagr.am",
	"threads.net",
}

// tokenStoplist removes platform, CDN and TLD-like fragments from brand tokens.
var tokenStoplist = map[string]struct{}{
	"instagram": {}, "cdninstagram": {}, "fbcdn": {}, "facebook": {}, "scontent": {},
	"threads": {}, "instagr": {},
	"http": {}, "https": {},
	"shop": {}, "store": {}, "online": {}, "site": {}, "website": {}, "link": {},
	"links": {}, "info": {}, "click": {}, "live": {}, "club": {}, "page": {},
	"linktr": {}, "bitly": {}, "tinyurl": {},
	"mobi": {}, "name": {}, "tech": {}, "asia": {}, "global": {},
}

// IsPlatformHost reports whether host equals or is a subdomain of a platform/CDN domain.
func IsPlatformHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return false
	}
	for _, p := range PlatformHosts {
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// IsBrandHost reports whether host belongs to anyone other than the platform.
func IsBrandHost(host string) bool {
	host = strings.TrimSpace(host)
	return host != "" && !IsPlatformHost(host)
}

// BrandURLs keeps the URLs whose host is a brand host.
func BrandURLs(urls []string) []string {
	var out []string
	for _, u := range urls {
		if IsBrandHost(Host(u)) {
			out = append(out, u)
		}
	}
	return out
}

// BrandTokens derives sorted lowercase hostname fragments (len >= 4) from brand URLs.
func BrandTokens(brandURLs []string) []string {
	set := map[string]struct{}{}
	for _, u := range brandURLs {
		host := strings.TrimPrefix(Host(u), "www.")
		for _, frag := range strings.FieldsFunc(host, func(r rune) bool { return r == '.' || r == '-' }) {
			if len(frag) < 4 {
				continue
			}
			if _, stop := tokenStoplist[frag]; stop {
				continue
			}
			set[frag] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// BrandDomains returns the sorted registrable domains (eTLD+1) of brand URLs.
func BrandDomains(brandURLs []string) []string {
	set := map[string]struct{}{}
	for _, u := range brandURLs {
		host := Host(u)
		if host == "" {
			continue
		}
		d, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil {
			d = strings.TrimPrefix(host, "www.")
		}
		set[d] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
