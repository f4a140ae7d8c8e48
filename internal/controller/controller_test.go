package controller_test

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/micro-nova/dspd/internal/codec"
	"github.com/micro-nova/dspd/internal/config"
	"github.com/micro-nova/dspd/internal/controller"
	"github.com/micro-nova/dspd/internal/effect"
	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/repository"
	"github.com/micro-nova/dspd/internal/route"
	"github.com/micro-nova/dspd/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type wired struct{ plugged atomic.Bool }

func (w *wired) Plugged() bool { return w.plugged.Load() }

type fakeAdapter struct {
	bonded []models.AudioDevice
}

func (a *fakeAdapter) BondedDevices(ctx context.Context) ([]models.AudioDevice, error) {
	return a.bonded, nil
}

func (a *fakeAdapter) A2DPActive(ctx context.Context) (bool, error) { return false, nil }

func (a *fakeAdapter) Connect(ctx context.Context) (route.Proxy, error) {
	return nil, context.Canceled
}

type harness struct {
	ctrl    *controller.Controller
	native  *effect.Mock
	repo    *repository.Repository
	store   *config.MemStore
	wired   *wired
	trigger chan route.Trigger
	cancel  context.CancelFunc
	done    chan error
}

type setup struct {
	mock    bool
	adapter route.Adapter
	signals <-chan session.Signal
	prefs   *models.Prefs
}

func start(t *testing.T, s setup) *harness {
	t.Helper()
	h := &harness{
		native:  effect.NewMock(),
		store:   config.NewMemStore(),
		wired:   &wired{},
		trigger: make(chan route.Trigger),
		done:    make(chan error, 1),
	}
	if s.prefs != nil {
		require.NoError(t, h.store.Save(s.prefs))
	}
	repo, err := repository.New(h.store, repository.Options{})
	require.NoError(t, err)
	h.repo = repo

	policy := effect.DefaultRetryPolicy()
	policy.SettleDelay = time.Millisecond
	h.ctrl, err = controller.New(controller.Options{
		Repo:     repo,
		Native:   h.native,
		Resolver: route.NewResolver(s.adapter, h.wired, route.Options{ProxyIdle: 10 * time.Millisecond}, nil),
		Signals:  s.signals,
		Triggers: []controller.TriggerSource{h.forwardTriggers},
		Policy:   policy,
		Info:     models.Info{Version: "test", Mock: s.mock},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) forwardTriggers(ctx context.Context, out chan<- route.Trigger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-h.trigger:
			select {
			case out <- tr:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
		return nil
	}
}

func bassGain(m *effect.Mock, sid int) int16 {
	for _, e := range m.EffectsForSession(sid) {
		if v, ok := e.Params[codec.ParamBassBoostGain]; ok {
			return codec.DecodeShort(v)
		}
	}
	return -1
}

func enabledFor(m *effect.Mock, sid int) bool {
	effects := m.EffectsForSession(sid)
	if len(effects) == 0 {
		return false
	}
	return effects[0].Enabled
}

func TestSessionReceivesDesiredState(t *testing.T) {
	h := start(t, setup{mock: true})
	ctx := context.Background()

	_, appErr := h.ctrl.SetEnabled(true)
	require.Nil(t, appErr)
	require.Nil(t, h.ctrl.OpenSession(ctx, 5))

	require.Eventually(t, func() bool { return enabledFor(h.native, 5) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.ctrl.State().Sessions) == 1 }, time.Second, 10*time.Millisecond)

	st := h.ctrl.State()
	assert.True(t, st.Enabled)
	assert.Equal(t, models.PhoneDeviceID, st.RouteID)
	assert.Equal(t, models.DefaultConfigID, st.Config.ID)
	assert.Equal(t, 5, st.Sessions[0].ID)

	id, ok := h.repo.LastSessionID()
	require.True(t, ok)
	assert.Equal(t, 5, id)
}

func TestRouteChangeSwitchesConfig(t *testing.T) {
	h := start(t, setup{mock: true})
	ctx := context.Background()

	car := models.DefaultConfig()
	car.ID = ""
	car.BassBoost = 7
	_, appErr := h.ctrl.PutConfig("Car", car)
	require.Nil(t, appErr)
	require.Nil(t, h.ctrl.SetDeviceConfig(models.AuxDeviceID, "Car"))

	_, _ = h.ctrl.SetEnabled(true)
	require.Nil(t, h.ctrl.OpenSession(ctx, 1))
	require.Eventually(t, func() bool { return bassGain(h.native, 1) == 0 }, 2*time.Second, 10*time.Millisecond)

	h.wired.plugged.Store(true)
	h.trigger <- route.TriggerRoute

	require.Eventually(t, func() bool { return bassGain(h.native, 1) == 7 }, 2*time.Second, 10*time.Millisecond)
	st := h.ctrl.State()
	assert.Equal(t, models.AuxDeviceID, st.RouteID)
	assert.Equal(t, "Car", st.Config.ID)
}

func TestEditingActiveConfigReapplies(t *testing.T) {
	h := start(t, setup{mock: true})
	_, _ = h.ctrl.SetEnabled(true)
	require.Nil(t, h.ctrl.OpenSession(context.Background(), 1))
	require.Eventually(t, func() bool { return enabledFor(h.native, 1) }, 2*time.Second, 10*time.Millisecond)

	def, appErr := h.ctrl.GetConfig(models.DefaultConfigID)
	require.Nil(t, appErr)
	def.BassBoost = 4
	_, appErr = h.ctrl.PutConfig(models.DefaultConfigID, def)
	require.Nil(t, appErr)

	require.Eventually(t, func() bool { return bassGain(h.native, 1) == 4 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownReleasesHandles(t *testing.T) {
	h := start(t, setup{mock: true})
	ctx := context.Background()
	require.Nil(t, h.ctrl.OpenSession(ctx, 1))
	require.Nil(t, h.ctrl.OpenSession(ctx, 2))
	require.Eventually(t, func() bool { return h.native.Live() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.stop(t))
	assert.Equal(t, 0, h.native.Live())
}

func TestSignalSourceClosedStopsRun(t *testing.T) {
	signals := make(chan session.Signal)
	h := start(t, setup{signals: signals})

	signals <- session.Signal{Kind: session.Open, SessionID: 3}
	require.Eventually(t, func() bool { return h.native.Live() == 1 }, 2*time.Second, 10*time.Millisecond)

	close(signals)
	select {
	case err := <-h.done:
		h.done <- err
		assert.ErrorIs(t, err, controller.ErrSignalsClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the signal source closed")
	}
	assert.Equal(t, 0, h.native.Live())
}

func TestInjectRequiresMockMode(t *testing.T) {
	h := start(t, setup{})
	appErr := h.ctrl.OpenSession(context.Background(), 1)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusConflict, appErr.Status)
}

func TestPruneAtStart(t *testing.T) {
	bonded := models.Bluetooth("00:11:22:33:44:55", "Headphones")
	p := models.DefaultPrefs()
	p.ConfigsByDevice[bonded.ID()] = models.DefaultConfigID
	p.ConfigsByDevice["AA:BB:CC:DD:EE:FF"] = models.DefaultConfigID

	h := start(t, setup{mock: true, adapter: &fakeAdapter{bonded: []models.AudioDevice{bonded}}, prefs: &p})
	require.Eventually(t, func() bool {
		_, ok := h.repo.Prefs().ConfigsByDevice["AA:BB:CC:DD:EE:FF"]
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, h.repo.Prefs().ConfigsByDevice, bonded.ID())

	devs := h.ctrl.Devices(context.Background())
	assert.Contains(t, devs, bonded)
	assert.Contains(t, devs, models.Phone())
	assert.Contains(t, devs, models.Aux())
}

func TestStateIsPublished(t *testing.T) {
	h := start(t, setup{mock: true})
	ch := h.ctrl.Subscribe("test")
	defer h.ctrl.Unsubscribe("test")

	_, _ = h.ctrl.SetEnabled(true)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.Enabled {
				return
			}
		case <-deadline:
			t.Fatal("enabled state never published")
		}
	}
}

func TestMergedConfig(t *testing.T) {
	h := start(t, setup{mock: true})
	_, appErr := h.ctrl.MergedConfig(nil)
	require.NotNil(t, appErr)

	merged, appErr := h.ctrl.MergedConfig([]string{models.PhoneDeviceID, models.AuxDeviceID})
	require.Nil(t, appErr)
	assert.Empty(t, merged.ID)

	saved, appErr := h.ctrl.SetDevicesConfig([]string{models.PhoneDeviceID, models.AuxDeviceID}, merged)
	require.Nil(t, appErr)
	assert.True(t, models.IsCustomID(saved.ID))
	ranked := h.ctrl.Configs()
	require.NotEmpty(t, ranked)
	assert.Equal(t, saved.ID, ranked[0].Config.ID)
}
