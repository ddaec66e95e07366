package anthropic

// CachedSystem returns a single system block with an ephemeral cache
// breakpoint. The extraction prompt is identical for every entity in a run,
// so after the first call the remaining entities read it from cache.
func CachedSystem(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "5m"}}}
}
