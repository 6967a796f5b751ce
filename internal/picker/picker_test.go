package picker_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/lineitem"
	"github.com/noah-isme/order-console/internal/picker"
)

func lookup() *catalog.Index {
	return catalog.NewIndex([]catalog.Entry{
		{ProductRef: "OAK-01", Brand: "Timberline", Type: "Oak Board"},
		{ProductRef: "PINE-02", Brand: "Timberline", Type: "Pine Board"},
		{ProductRef: "steel-03", Brand: "Forge", Type: "Beam"},
		{ProductRef: "OAK-04", Name: "Oak Veneer"},
	})
}

func refs(entries []catalog.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ProductRef)
	}
	return out
}

func static(items ...lineitem.Item) func() []lineitem.Item {
	return func() []lineitem.Item { return items }
}

func TestBlankSearchYieldsNothing(t *testing.T) {
	for _, text := range []string{"", "   ", "\t\n"} {
		got := picker.Take(picker.Filter(lookup(), text, static(), 0), 0)
		require.Empty(t, got)
	}
}

func TestMatchesRefAndDisplayNameCaseInsensitively(t *testing.T) {
	got := picker.Take(picker.Filter(lookup(), "oak", static(), 0), 0)
	require.Equal(t, []string{"OAK-01", "OAK-04"}, refs(got))

	got = picker.Take(picker.Filter(lookup(), "TIMBER", static(), 0), 0)
	require.Equal(t, []string{"OAK-01", "PINE-02"}, refs(got))

	got = picker.Take(picker.Filter(lookup(), "Steel", static(), 0), 0)
	require.Equal(t, []string{"steel-03"}, refs(got))
}

func TestExcludesProductsHeldByOtherSlots(t *testing.T) {
	items := static(
		lineitem.Item{ProductRef: "OAK-01", Quantity: 1},
		lineitem.Item{ProductRef: "OAK-04", Quantity: 2},
	)

	// Editing slot 0 keeps its own selection visible.
	got := picker.Take(picker.Filter(lookup(), "oak", items, 0), 0)
	require.Equal(t, []string{"OAK-01"}, refs(got))

	// Editing a new slot hides both.
	got = picker.Take(picker.Filter(lookup(), "oak", items, 2), 0)
	require.Empty(t, got)
}

func TestSequenceIsLazyAndRestartable(t *testing.T) {
	current := []lineitem.Item{{Quantity: 1}}
	seq := picker.Filter(lookup(), "board", func() []lineitem.Item { return current }, 1)

	require.Equal(t, []string{"OAK-01"}, refs(picker.Take(seq, 1)))
	require.Equal(t, []string{"OAK-01", "PINE-02"}, refs(picker.Take(seq, 0)))

	current = []lineitem.Item{{ProductRef: "OAK-01", Quantity: 1}}
	require.Equal(t, []string{"PINE-02"}, refs(picker.Take(seq, 0)))
}

func TestNilLookup(t *testing.T) {
	require.Empty(t, picker.Take(picker.Filter(nil, "oak", static(), 0), 0))
}
