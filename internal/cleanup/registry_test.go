package cleanup

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func TestExecuteRunsCallbacksInOrder(t *testing.T) {
	r := NewRegistry()

	var ran []int
	r.Register("call-1", func() { ran = append(ran, 1) })
	r.Register("call-1", func() { ran = append(ran, 2) })
	r.Register("call-1", func() { ran = append(ran, 3) })

	r.Execute("call-1")

	assert.Equal(t, []int{1, 2, 3}, ran)
	assert.Empty(t, r.List())
}

func TestExecuteSurvivesPanickingCallback(t *testing.T) {
	r := NewRegistry()

	var ran []string
	r.Register("call-1", func() { ran = append(ran, "first") })
	r.Register("call-1", func() { panic("boom") })
	r.Register("call-1", func() { ran = append(ran, "last") })

	require.NotPanics(t, func() { r.Execute("call-1") })
	assert.Equal(t, []string{"first", "last"}, ran)
}

func TestExecuteUnknownKeyIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NotPanics(t, func() { r.Execute("missing") })
}

func TestRemoveDiscardsWithoutInvoking(t *testing.T) {
	r := NewRegistry()

	ran := false
	r.Register("call-1", func() { ran = true })
	r.Remove("call-1")

	assert.False(t, ran)
	assert.Empty(t, r.List())

	// A later Execute must find nothing.
	r.Execute("call-1")
	assert.False(t, ran)
}

func TestListSnapshotsActiveKeys(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func() {})
	r.Register("b", func() {})
	r.Register("b", func() {})

	assert.ElementsMatch(t, []string{"a", "b"}, r.List())

	r.Execute("a")
	assert.Equal(t, []string{"b"}, r.List())
}

func TestRegisterNilCallbackIgnored(t *testing.T) {
	r := NewRegistry()
	r.Register("a", nil)
	assert.Empty(t, r.List())
}
