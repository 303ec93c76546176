package biz

import "github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"

// DedupeCitation appends incoming unless a citation with the same source is
// already present. The second return value is false for a no-op; in that case
// the existing list is returned unchanged. The input slice is never modified.
func DedupeCitation(existing []types.Citation, incoming types.Citation) ([]types.Citation, bool) {
	for _, c := range existing {
		if c.Source == incoming.Source {
			return existing, false
		}
	}

	out := make([]types.Citation, len(existing), len(existing)+1)
	copy(out, existing)
	return append(out, incoming), true
}

// DedupeCitations 按 source 去重，保留首次出现的顺序
func DedupeCitations(list []types.Citation) []types.Citation {
	if len(list) == 0 {
		return list
	}
	var out []types.Citation
	for _, c := range list {
		out, _ = DedupeCitation(out, c)
	}
	return out
}
