package permission

// DefaultResourceType is assumed for items that do not declare one.
const DefaultResourceType = "project"

// Redacted replaces field values the user is not allowed to view.
const Redacted = "[REDACTED]"

// Filter keeps the items the user may access at the given level. The key
// function yields each item's resource type and id; an empty type falls
// back to DefaultResourceType, and an empty level means view.
func Filter[T any](r *Resolver, userID string, level Level, items []T, key func(T) (resourceType, resourceID string)) []T {
	if level == "" {
		level = LevelView
	}
	kept := make([]T, 0, len(items))
	for _, item := range items {
		resourceType, resourceID := key(item)
		if resourceType == "" {
			resourceType = DefaultResourceType
		}
		if r.Can(userID, level, resourceType, resourceID) {
			kept = append(kept, item)
		}
	}
	return kept
}

// MaskFields returns a copy of the record with each named sensitive field
// replaced by the redaction sentinel unless the user holds view permission
// on a resource type equal to the field name. Unlisted fields pass through
// untouched.
func (r *Resolver) MaskFields(userID string, record map[string]any, sensitive []string) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, field := range sensitive {
		if _, present := out[field]; !present {
			continue
		}
		if !r.Can(userID, LevelView, field, "") {
			out[field] = Redacted
		}
	}
	return out
}
