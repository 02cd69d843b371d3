package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissingIDs(t *testing.T) {
	window := []int64{105, 104, 103, 102, 101}
	existing := map[int64]struct{}{105: {}, 104: {}}

	missing := missingIDs(window, existing)
	assert.Equal(t, []int64{103, 102, 101}, missing, "newest-first window order preserved")
}

func TestMissingIDs_EmptyWindow(t *testing.T) {
	assert.Empty(t, missingIDs(nil, map[int64]struct{}{1: {}}))
}

func TestMissingIDs_NothingMissing(t *testing.T) {
	window := []int64{3, 2, 1}
	existing := map[int64]struct{}{1: {}, 2: {}, 3: {}}
	assert.Empty(t, missingIDs(window, existing))
}

// A destination identifier outside the source window never appears in the
// diff, so the reconciler cannot touch it: it only ever acts on window ids.
func TestMissingIDs_DestinationOnlyRowsInvisible(t *testing.T) {
	window := []int64{10, 9}
	existing := map[int64]struct{}{10: {}, 9: {}, 9999: {}}
	assert.Empty(t, missingIDs(window, existing))
}

func TestReconciler_PassGuard(t *testing.T) {
	r := &Reconciler{}
	if !r.running.CompareAndSwap(false, true) {
		t.Fatal("first acquisition should succeed")
	}

	_, err := r.RunPass(nil)
	assert.ErrorIs(t, err, ErrPassInProgress)

	r.running.Store(false)
}
