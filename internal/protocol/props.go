package protocol

import "strings"

// Props is the ordered "key:value" / "key=value" metadata list.
type Props []string

// SplitProp splits one entry at whichever of ':' or '=' comes first.
func SplitProp(entry string) (key, value string, ok bool) {
	idx := strings.IndexAny(entry, ":=")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(entry[:idx]), strings.TrimSpace(entry[idx+1:]), true
}

// Get returns the first value for key, matched case-insensitively.
func (p Props) Get(key string) (string, bool) {
	for _, entry := range p {
		k, v, ok := SplitProp(entry)
		if ok && strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// With returns a copy where key holds value, replacing earlier entries for key.
func (p Props) With(key, value string) Props {
	out := make(Props, 0, len(p)+1)
	for _, entry := range p {
		if k, _, ok := SplitProp(entry); ok && strings.EqualFold(k, key) {
			continue
		}
		out = append(out, entry)
	}
	return append(out, key+":"+value)
}

// Map flattens entries into a lookup keyed by lower-case key. First entry wins.
func (p Props) Map() map[string]string {
	out := make(map[string]string, len(p))
	for _, entry := range p {
		k, v, ok := SplitProp(entry)
		if !ok {
			continue
		}
		k = strings.ToLower(k)
		if _, seen := out[k]; !seen {
			out[k] = v
		}
	}
	return out
}
