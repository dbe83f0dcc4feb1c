package relay

import (
	"fmt"
	"strings"
)

// SplitAddress breaks an email address into local part and domain.
func SplitAddress(email string) (local, domain string, err error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("address %q has no local part or domain", email)
	}
	return email[:at], email[at+1:], nil
}

// SubAddress builds the plus-addressed form local+agent@domain.
func SubAddress(local, agent, domain string) string {
	return local + "+" + agent + "@" + domain
}

// ParseSubAddress extracts the agent name from addr when it matches
// local+agent@domain. Local part and domain compare case-insensitively.
// 从 plus 地址中解析 agent 名
func ParseSubAddress(addr, local, domain string) (string, bool) {
	aLocal, aDomain, err := SplitAddress(strings.TrimSpace(addr))
	if err != nil {
		return "", false
	}
	if !strings.EqualFold(aDomain, domain) {
		return "", false
	}
	plus := strings.Index(aLocal, "+")
	if plus < 0 {
		return "", false
	}
	if !strings.EqualFold(aLocal[:plus], local) {
		return "", false
	}
	agent := aLocal[plus+1:]
	if agent == "" {
		return "", false
	}
	return agent, true
}

// canonicalID normalizes a Message-ID for index lookups: surrounding
// angle brackets and whitespace stripped.
func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}
