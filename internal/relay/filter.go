package relay

import (
	"nostr-publisher/internal/types"
	"nostr-publisher/internal/util"
)

// encodeFilter converts a Filter into the NIP-01 wire object
func encodeFilter(filter types.Filter) map[string]interface{} {
	reqFilter := make(map[string]interface{})
	if len(filter.IDs) > 0 {
		reqFilter["ids"] = filter.IDs
	}
	if len(filter.Authors) > 0 {
		reqFilter["authors"] = filter.Authors
	}
	if len(filter.Kinds) > 0 {
		reqFilter["kinds"] = filter.Kinds
	}
	if len(filter.PTags) > 0 {
		reqFilter["#p"] = filter.PTags
	}
	if len(filter.ETags) > 0 {
		reqFilter["#e"] = filter.ETags
	}
	if len(filter.DTags) > 0 {
		reqFilter["#d"] = filter.DTags
	}
	if filter.Since != nil {
		reqFilter["since"] = *filter.Since
	}
	if filter.Until != nil {
		reqFilter["until"] = *filter.Until
	}
	if filter.Limit > 0 {
		reqFilter["limit"] = filter.Limit
	}
	return reqFilter
}

// Matches reports whether evt satisfies the filter. Relays do the real
// filtering; this guards against relays that over-deliver.
func Matches(filter types.Filter, evt *types.Event) bool {
	if len(filter.IDs) > 0 && !containsString(filter.IDs, evt.ID) {
		return false
	}
	if len(filter.Authors) > 0 && !containsString(filter.Authors, evt.PubKey) {
		return false
	}
	if len(filter.Kinds) > 0 {
		found := false
		for _, k := range filter.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Since != nil && evt.CreatedAt < *filter.Since {
		return false
	}
	if filter.Until != nil && evt.CreatedAt > *filter.Until {
		return false
	}
	for name, values := range map[string][]string{"p": filter.PTags, "e": filter.ETags, "d": filter.DTags} {
		if len(values) == 0 {
			continue
		}
		matched := false
		for _, v := range util.GetTagValues(evt.Tags, name) {
			if containsString(values, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
