package sources

import (
	"net/url"
	"strings"
)

// blockedDomains lists paywalled publisher hosts whose PDFs are skipped
// before download.
var blockedDomains = []string{
	"ieeexplore.ieee.org",
	"dl.acm.org",
	"link.springer.com",
	"www.springer.com",
	"www.sciencedirect.com",
	"sciencedirect.com",
	"onlinelibrary.wiley.com",
	"www.tandfonline.com",
	"journals.sagepub.com",
	"www.nature.com",
	"academic.oup.com",
	"www.jstor.org",
	"pubs.acs.org",
	"iopscience.iop.org",
	"www.cambridge.org",
	"direct.mit.edu",
}

// IsBlockedURL reports whether a PDF URL points at a known paywalled
// publisher domain.
func IsBlockedURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range blockedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
