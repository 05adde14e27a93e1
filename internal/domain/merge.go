package domain

import "maps"

// Merge helpers implement "new beats old" composition. None of them return
// storage shared with their inputs, so merged values can be handed out freely.

// MergeScalar returns next when it is set, old otherwise.
func MergeScalar[T any](old, next *T) *T {
	if next != nil {
		v := *next
		return &v
	}
	if old != nil {
		v := *old
		return &v
	}
	return nil
}

// MergeList treats a list as a single value: a non-nil next replaces old.
func MergeList[T any](old, next []T) []T {
	if next != nil {
		return append(make([]T, 0, len(next)), next...)
	}
	if old != nil {
		return append(make([]T, 0, len(old)), old...)
	}
	return nil
}

// MergeMap unions two maps; duplicate keys take the value from next.
func MergeMap[K comparable, V any](old, next map[K]V) map[K]V {
	if old == nil && next == nil {
		return nil
	}
	out := make(map[K]V, len(old)+len(next))
	maps.Copy(out, old)
	maps.Copy(out, next)
	return out
}

// MergeKeyed unions two lists of keyed items. Items of old whose key appears
// in next are dropped, then next is appended. Duplicate keys within either
// side collapse to their last occurrence, which keeps the merge associative.
func MergeKeyed[T any, K comparable](old, next []T, key func(T) K) []T {
	if old == nil && next == nil {
		return nil
	}
	replaced := make(map[K]struct{}, len(next))
	for _, item := range next {
		replaced[key(item)] = struct{}{}
	}
	kept := make([]T, 0, len(old))
	for _, item := range old {
		if _, ok := replaced[key(item)]; !ok {
			kept = append(kept, item)
		}
	}
	out := make([]T, 0, len(old)+len(next))
	out = appendLastByKey(out, kept, key)
	return appendLastByKey(out, next, key)
}

func appendLastByKey[T any, K comparable](dst, items []T, key func(T) K) []T {
	last := make(map[K]int, len(items))
	for i, item := range items {
		last[key(item)] = i
	}
	for i, item := range items {
		if last[key(item)] == i {
			dst = append(dst, item)
		}
	}
	return dst
}
