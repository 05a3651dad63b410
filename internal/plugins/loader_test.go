package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/cleanup"
	"github.com/mattjoyce/warden/internal/graph"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/response"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// setupLoader creates a storage root with the given plugin sources.
func setupLoader(t *testing.T, sources map[string]string) *Loader {
	t.Helper()

	storage := t.TempDir()
	dir := filepath.Join(storage, "plugins")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	for name, src := range sources {
		path := filepath.Join(dir, name+moduleExt)
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}

	engine := response.NewEngine(cleanup.NewRegistry(), response.Options{
		InternalWebhookURL: "http://127.0.0.1:1/webhook", // never dialed in these tests
	})
	return NewLoader(storage, engine)
}

// simplePlugin builds a plugin source with a testMethod greeting and
// optional dependencies.
func simplePlugin(greeting string, deps ...string) string {
	src := `
function getInstance() {
	return {
		testMethod: function () { return "` + greeting + `"; },
	};
}
function getAllow() {
	return function () { return true; };
}
`
	if len(deps) > 0 {
		list := ""
		for i, d := range deps {
			if i > 0 {
				list += ", "
			}
			list += `"` + d + `"`
		}
		src += "function getDependencies() { return [" + list + "]; }\n"
	}
	return src
}

func TestInitRegistersInTopologicalOrder(t *testing.T) {
	l := setupLoader(t, map[string]string{
		"A": simplePlugin("Hello from A"),
		"B": simplePlugin("Hello from B", "A"),
		"C": simplePlugin("Hello from C", "B"),
		"D": simplePlugin("Hello from D", "A", "C"),
	})

	require.NoError(t, l.Init())
	require.True(t, l.IsInitialized())

	order := l.LoadOrder()
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["A"], pos["B"])
	assert.Less(t, pos["B"], pos["C"])
	assert.Less(t, pos["A"], pos["D"])
	assert.Less(t, pos["C"], pos["D"])
}

func TestInitFailsOnCycle(t *testing.T) {
	l := setupLoader(t, map[string]string{
		"X": simplePlugin("x", "Y"),
		"Y": simplePlugin("y", "Z"),
		"Z": simplePlugin("z", "X"),
	})

	err := l.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Circular dependency")

	var cycleErr *graph.CycleError
	assert.ErrorAs(t, err, &cycleErr)
	assert.False(t, l.IsInitialized())
}

func TestInitEmptyPluginsDirIsWarning(t *testing.T) {
	l := setupLoader(t, nil)
	require.NoError(t, l.Init())
	assert.True(t, l.IsInitialized())
	assert.Empty(t, l.LoadOrder())
}

func TestInitMissingPluginsDirIsWarning(t *testing.T) {
	engine := response.NewEngine(cleanup.NewRegistry(), response.Options{InternalWebhookURL: "http://127.0.0.1:1"})
	l := NewLoader(filepath.Join(t.TempDir(), "nope"), engine)
	require.NoError(t, l.Init())
	assert.True(t, l.IsInitialized())
}

func TestInitSkipsUnknownDependencies(t *testing.T) {
	l := setupLoader(t, map[string]string{
		"A": simplePlugin("a", "ghost"),
	})

	require.NoError(t, l.Init())
	assert.Equal(t, []string{"A"}, l.LoadOrder())
}

func TestInitSkipsBrokenSources(t *testing.T) {
	l := setupLoader(t, map[string]string{
		"good": simplePlugin("ok"),
		"bad":  "this is not javascript {{{",
	})

	require.NoError(t, l.Init())
	assert.Equal(t, []string{"good"}, l.LoadOrder())

	_, ok := l.Get("bad")
	assert.False(t, ok)
}

func TestInitRequiresExports(t *testing.T) {
	l := setupLoader(t, map[string]string{
		"noallow": `function getInstance() { return {}; }`,
	})

	// Missing getAllow is a load failure: logged and skipped.
	require.NoError(t, l.Init())
	assert.Empty(t, l.LoadOrder())
}

func TestRegisterPluginDuplicateIsFatal(t *testing.T) {
	l := setupLoader(t, map[string]string{"A": simplePlugin("a")})
	require.NoError(t, l.Init())

	path := filepath.Join(l.PluginsDir(), "A"+moduleExt)
	err := l.RegisterPlugin("A", path)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestInvokeRegisteredPlugin(t *testing.T) {
	l := setupLoader(t, map[string]string{"A": simplePlugin("Hello from A")})
	require.NoError(t, l.Init())

	m, ok := l.Get("A")
	require.True(t, ok)
	require.True(t, m.HasAllow())
	require.True(t, m.HasMethod("testMethod"))

	result, err := m.Invoke("testMethod", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello from A", result)
}

func TestAllowStrictFalseOnly(t *testing.T) {
	src := `
function getInstance() {
	return { op: function () { return 1; } };
}
function getAllow() {
	return function (forWhom, email, operation) {
		if (forWhom === "denied") { return false; }
		if (forWhom === "weird") { return 0; } // not strict false: permits
		return true;
	};
}
`
	l := setupLoader(t, map[string]string{"p": src})
	require.NoError(t, l.Init())

	m, _ := l.Get("p")

	allowed, err := m.Allow("denied", "", "op", nil)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = m.Allow("weird", "", "op", nil)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = m.Allow("anyone", "a@b.c", "op", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowReceivesOperationAndArgs(t *testing.T) {
	src := `
var seen = null;
function getInstance() {
	return {
		op: function () { return seen; },
	};
}
function getAllow() {
	return function (forWhom, email, operation, first) {
		seen = [forWhom, email, operation, first];
		return true;
	};
}
`
	l := setupLoader(t, map[string]string{"p": src})
	require.NoError(t, l.Init())

	m, _ := l.Get("p")
	allowed, err := m.Allow("tester", "t@example.com", "op", []any{"arg0"})
	require.NoError(t, err)
	require.True(t, allowed)

	result, err := m.Invoke("op", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"tester", "t@example.com", "op", "arg0"}, result)
}

func TestPublicMethodsDeclaration(t *testing.T) {
	src := simplePlugin("x") + `
function getPublicMethods() { return ["testMethod"]; }
`
	l := setupLoader(t, map[string]string{"p": src, "q": simplePlugin("y")})
	require.NoError(t, l.Init())

	m, _ := l.Get("p")
	methods, err := m.PublicMethods()
	require.NoError(t, err)
	assert.Equal(t, []string{"testMethod"}, methods)

	// Plugin without the declaration exposes none.
	q, _ := l.Get("q")
	methods, err = q.PublicMethods()
	require.NoError(t, err)
	assert.Empty(t, methods)
}

func TestAsyncGetInstance(t *testing.T) {
	src := `
async function getInstance() {
	return { op: function () { return "from async"; } };
}
function getAllow() { return function () { return true; }; }
`
	l := setupLoader(t, map[string]string{"p": src})
	require.NoError(t, l.Init())

	m, ok := l.Get("p")
	require.True(t, ok)
	result, err := m.Invoke("op", nil)
	require.NoError(t, err)
	assert.Equal(t, "from async", result)
}

func TestRestartReloadsPlugins(t *testing.T) {
	l := setupLoader(t, map[string]string{"A": simplePlugin("first")})
	require.NoError(t, l.Init())
	require.False(t, l.IsRestarting())

	// Replace the source and add a second plugin before restarting.
	dir := l.PluginsDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A"+moduleExt), []byte(simplePlugin("second")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B"+moduleExt), []byte(simplePlugin("new", "A")), 0o644))

	require.NoError(t, l.Restart(map[string]string{"RESTART_TEST_MARKER": "1"}))
	t.Cleanup(func() { os.Unsetenv("RESTART_TEST_MARKER") })

	assert.False(t, l.IsRestarting())
	assert.Equal(t, []string{"A", "B"}, l.LoadOrder())
	assert.Equal(t, "1", os.Getenv("RESTART_TEST_MARKER"))

	m, _ := l.Get("A")
	result, err := m.Invoke("testMethod", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", result)
}

func TestRestartRunsShutdownHooks(t *testing.T) {
	src := simplePlugin("x") + `
function shutdown() { throw new Error("shutdown exploded"); }
`
	l := setupLoader(t, map[string]string{"p": src})
	require.NoError(t, l.Init())

	// A throwing shutdown hook must not abort the restart.
	require.NoError(t, l.Restart(nil))
	assert.Equal(t, []string{"p"}, l.LoadOrder())
}

func TestIntegrityMismatchFailsInit(t *testing.T) {
	l := setupLoader(t, map[string]string{"A": simplePlugin("a")})

	_, err := GenerateChecksums(l.PluginsDir())
	require.NoError(t, err)

	// Tamper after locking.
	path := filepath.Join(l.PluginsDir(), "A"+moduleExt)
	require.NoError(t, os.WriteFile(path, []byte(simplePlugin("tampered")), 0o644))

	err = l.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestIntegrityLockedInitSucceeds(t *testing.T) {
	l := setupLoader(t, map[string]string{"A": simplePlugin("a")})

	_, err := GenerateChecksums(l.PluginsDir())
	require.NoError(t, err)

	require.NoError(t, l.Init())
	assert.Equal(t, []string{"A"}, l.LoadOrder())
}
