package fleet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/internal/loader"
	"github.com/flotilla-sh/flotilla/internal/transport"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

// mapResolver serves canned overlays per device id.
type mapResolver struct {
	overlays map[string]map[string]any
	errs     map[string]error
}

func (r mapResolver) Resolve(ctx context.Context, deviceID string, facts map[string]any) (map[string]any, error) {
	if err, ok := r.errs[deviceID]; ok {
		return nil, err
	}
	if overlay, ok := r.overlays[deviceID]; ok {
		return overlay, nil
	}
	return map[string]any{}, nil
}

func dummyOverlay() map[string]any {
	return map[string]any{
		"proxy": map[string]any{"proxytype": "dummy"},
	}
}

func newBootstrapper(t *testing.T, ids []string, parallel bool, resolver mapResolver) *Bootstrapper {
	t.Helper()

	opts := config.Options{ID: "fleet-host", CacheDir: t.TempDir()}
	opts.Fleet.IDs = ids
	opts.Fleet.ParallelStartup = parallel
	opts.ApplyDefaults()

	return &Bootstrapper{
		Base:     config.NewAgentContext(opts),
		Loader:   loader.NewBuiltin(nil),
		Resolver: resolver,
		Dialer:   &transport.LoopbackDialer{},
		Drivers:  BuiltinDrivers(),
	}
}

func TestBootstrapAllReady(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			resolver := mapResolver{overlays: map[string]map[string]any{
				"dev-a": dummyOverlay(),
				"dev-b": dummyOverlay(),
				"dev-c": dummyOverlay(),
			}}
			b := newBootstrapper(t, []string{"dev-a", "dev-b", "dev-c"}, parallel, resolver)

			reg, failures := b.Bootstrap(context.Background())
			assert.Empty(t, failures)
			assert.Equal(t, 3, reg.Len())
			assert.Equal(t, []string{"dev-a", "dev-b", "dev-c"}, reg.IDs())

			for _, id := range reg.IDs() {
				sm, ok := reg.Get(id)
				require.True(t, ok)
				assert.Equal(t, types.StateReady, sm.State())
				assert.NotNil(t, sm.Conn)
				assert.NotNil(t, sm.Dedup)
				assert.NotNil(t, sm.Publisher)
			}
		})
	}
}

func TestBootstrapFailureIsolated(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			resolver := mapResolver{
				overlays: map[string]map[string]any{
					"dev-good": dummyOverlay(),
					// dev-bare resolves to an empty overlay: no proxytype.
				},
				errs: map[string]error{
					"dev-broken": errors.New("pillar backend down"),
				},
			}
			b := newBootstrapper(t, []string{"dev-good", "dev-bare", "dev-broken"}, parallel, resolver)

			reg, failures := b.Bootstrap(context.Background())

			assert.Equal(t, 1, reg.Len(), "healthy sibling must survive")
			_, ok := reg.Get("dev-good")
			assert.True(t, ok)

			require.Len(t, failures, 2)
			assert.ErrorContains(t, failures["dev-bare"], "proxytype")
			assert.ErrorContains(t, failures["dev-broken"], "pillar backend down")
		})
	}
}

func TestBootstrapUnknownDriver(t *testing.T) {
	resolver := mapResolver{overlays: map[string]map[string]any{
		"dev-a": {"proxy": map[string]any{"proxytype": "netconf"}},
	}}
	b := newBootstrapper(t, []string{"dev-a"}, false, resolver)

	_, failures := b.Bootstrap(context.Background())
	require.Len(t, failures, 1)
	assert.ErrorContains(t, failures["dev-a"], `unknown device driver "netconf"`)
}

func TestBootstrapOverlayApplied(t *testing.T) {
	overlay := dummyOverlay()
	overlay["proxy"].(map[string]any)["sudo_user"] = "netops"
	resolver := mapResolver{overlays: map[string]map[string]any{"dev-a": overlay}}
	b := newBootstrapper(t, []string{"dev-a"}, false, resolver)

	reg, failures := b.Bootstrap(context.Background())
	require.Empty(t, failures)

	sm, ok := reg.Get("dev-a")
	require.True(t, ok)
	ac := sm.Context()
	assert.Equal(t, "dev-a", ac.MinionID)
	assert.Equal(t, "netops", ac.Opts.SudoUser)
	assert.Equal(t, "dummy", ac.Grains["proxytype"])
}

func TestBootstrapBindsKeepalive(t *testing.T) {
	resolver := mapResolver{overlays: map[string]map[string]any{"dev-a": dummyOverlay()}}
	b := newBootstrapper(t, []string{"dev-a"}, false, resolver)

	reg, _ := b.Bootstrap(context.Background())
	sm, ok := reg.Get("dev-a")
	require.True(t, ok)
	assert.Contains(t, sm.Tables.Funcs, KeepaliveFun)
}

// hookless implements Driver but neither lifecycle hook.
type hookless struct{}

func (hookless) Alive(ctx context.Context) bool { return true }

func TestCheckHooks(t *testing.T) {
	assert.NoError(t, CheckHooks(NewDummy()))
	assert.Error(t, CheckHooks(hookless{}))
}

func TestShutdownRunsHooks(t *testing.T) {
	resolver := mapResolver{overlays: map[string]map[string]any{
		"dev-a": dummyOverlay(),
		"dev-b": dummyOverlay(),
	}}
	b := newBootstrapper(t, []string{"dev-a", "dev-b"}, false, resolver)
	reg, _ := b.Bootstrap(context.Background())

	Shutdown(context.Background(), reg)

	for _, id := range reg.IDs() {
		sm, _ := reg.Get(id)
		assert.False(t, sm.Driver.Alive(context.Background()), "shutdown hook tears the session down")
		assert.False(t, sm.Conn.Connected())
	}
}
