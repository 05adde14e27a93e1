package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bnema/testbay/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func TestMergeScalar(t *testing.T) {
	assert.Nil(t, domain.MergeScalar[string](nil, nil))
	assert.Equal(t, "old", *domain.MergeScalar(ptr("old"), nil))
	assert.Equal(t, "new", *domain.MergeScalar(ptr("old"), ptr("new")))
	assert.Equal(t, "", *domain.MergeScalar(ptr("old"), ptr("")), "explicit empty beats unset")

	in := ptr("x")
	out := domain.MergeScalar(nil, in)
	*out = "changed"
	assert.Equal(t, "x", *in)
}

func TestMergeMap(t *testing.T) {
	old := map[string]string{"a": "1", "b": "1"}
	next := map[string]string{"b": "2", "c": "2"}

	got := domain.MergeMap(old, next)

	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "2"}, got)
	got["a"] = "mutated"
	assert.Equal(t, "1", old["a"])
	assert.Nil(t, domain.MergeMap[string, string](nil, nil))
}

func TestMergeList(t *testing.T) {
	assert.Equal(t, []string{"b"}, domain.MergeList([]string{"a"}, []string{"b"}))
	assert.Equal(t, []string{"a"}, domain.MergeList([]string{"a"}, nil))
	assert.Equal(t, []string{}, domain.MergeList([]string{"a"}, []string{}))
}

type item struct {
	key string
	val int
}

func byKey(i item) string { return i.key }

func TestMergeKeyed_NewWinsPerKey(t *testing.T) {
	old := []item{{"a", 1}, {"b", 1}}
	next := []item{{"b", 2}, {"c", 2}}

	assert.Equal(t, []item{{"a", 1}, {"b", 2}, {"c", 2}}, domain.MergeKeyed(old, next, byKey))
}

func TestMergeKeyed_Associative(t *testing.T) {
	a := []item{{"x", 1}, {"y", 1}, {"x", 9}}
	b := []item{{"y", 2}, {"z", 2}, {"z", 3}}
	c := []item{{"x", 3}, {"w", 3}}

	left := domain.MergeKeyed(domain.MergeKeyed(a, b, byKey), c, byKey)
	right := domain.MergeKeyed(a, domain.MergeKeyed(b, c, byKey), byKey)

	assert.Equal(t, left, right)
	assert.Equal(t, []item{{"y", 2}, {"z", 3}, {"x", 3}, {"w", 3}}, left)
}
