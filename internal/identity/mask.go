package identity

import "strings"

// MaskedAccount is the candidate summary shown while disambiguating a
// recovery search. Full contact details are never exposed here.
type MaskedAccount struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	MaskedEmail string `json:"masked_email"`
	MaskedPhone string `json:"masked_phone"`
}

// maskEmail keeps the first and last rune of the local part and the first
// rune of the domain: jane@example.com -> j**e@e******.com
func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	dot := strings.LastIndexByte(domain, '.')
	tld := ""
	host := domain
	if dot > 0 {
		host, tld = domain[:dot], domain[dot:]
	}
	return maskWord(local) + "@" + maskWord(host) + tld
}

func maskWord(word string) string {
	switch {
	case len(word) <= 1:
		return "*"
	case len(word) == 2:
		return word[:1] + "*"
	default:
		return word[:1] + strings.Repeat("*", len(word)-2) + word[len(word)-1:]
	}
}

// maskPhone keeps the leading country-code digits and the last two:
// +8801712345678 -> +880********78
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	keep := 2
	if strings.HasPrefix(phone, "+") {
		keep = 4
	}
	if keep+2 >= len(phone) {
		return "****"
	}
	return phone[:keep] + strings.Repeat("*", len(phone)-keep-2) + phone[len(phone)-2:]
}
