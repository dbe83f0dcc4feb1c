package relay

import (
	"github.com/agenticmail/agenticmail/internal/model"
)

// Resolution methods, also used as metric labels.
const (
	resolveSubAddress = "subaddress"
	resolveInReplyTo  = "in_reply_to"
	resolveReferences = "references"
	resolveDefault    = "default"
	resolveNone       = "none"
)

// resolveAgent decides which agent owns an inbound message. Tried in
// order, first match wins:
//  1. plus-address in To, Cc, Delivered-To or X-Original-To
//  2. In-Reply-To against the sent-message index
//  3. References chain, most recent first, against the index
//  4. the configured default agent, else drop
func (g *Gateway) resolveAgent(email *model.InboundEmail) (string, string) {
	for _, addrs := range [][]string{email.To, email.Cc, email.DeliveredTo, email.XOriginalTo} {
		for _, addr := range addrs {
			if agent, ok := ParseSubAddress(addr, g.local, g.domain); ok {
				return agent, resolveSubAddress
			}
		}
	}

	if email.InReplyTo != "" {
		if agent, ok := g.index.Lookup(email.InReplyTo); ok {
			return agent, resolveInReplyTo
		}
	}

	// References lists oldest first; the most recent ancestor is the
	// best threading signal.
	for i := len(email.References) - 1; i >= 0; i-- {
		if agent, ok := g.index.Lookup(email.References[i]); ok {
			return agent, resolveReferences
		}
	}

	if g.cfg.DefaultAgent != "" {
		return g.cfg.DefaultAgent, resolveDefault
	}
	return "", resolveNone
}
