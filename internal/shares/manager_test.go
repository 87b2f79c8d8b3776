package shares

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyguoau/scamvax-api/internal/audio"
	"github.com/andyguoau/scamvax-api/internal/db"
	"github.com/andyguoau/scamvax-api/internal/models"
	"github.com/andyguoau/scamvax-api/internal/repositories"
	"github.com/andyguoau/scamvax-api/internal/storage"
	"github.com/andyguoau/scamvax-api/internal/transform"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	manager *Manager
	repo    *repositories.SQLiteShareRepository
	broker  *storage.MemoryBroker
	clock   *fakeClock
}

type harnessOption func(*Dependencies, *Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	handle, err := db.OpenSQLite(filepath.Join(t.TempDir(), "scamvax.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	repo, err := repositories.NewSQLiteShareRepository(handle)
	require.NoError(t, err)
	quotas, err := repositories.NewSQLiteQuotaRepository(handle)
	require.NoError(t, err)
	profiles, err := transform.NewProfileSet(transform.DefaultProfiles(), transform.DefaultProfile)
	require.NoError(t, err)

	h := &harness{repo: repo, broker: storage.NewMemoryBroker(), clock: newFakeClock()}
	deps := Dependencies{
		Shares:      repo,
		Quotas:      quotas,
		Broker:      h.broker,
		Transformer: transform.IdentityTransformer{},
		Validator:   audio.Validator{MinBytes: 1000, MaxBytes: 1 << 20, AllowedTypes: []string{"audio/wav"}},
		Profiles:    profiles,
		Now:         h.clock.Now,
	}
	options := Options{
		DefaultTTL:      time.Hour,
		MaxTTL:          72 * time.Hour,
		DefaultMaxViews: 3,
		MaxMaxViews:     50,
		KeyPrefix:       "challenges",
		DestroyTimeout:  time.Second,
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	h.manager, err = NewManager(deps, options)
	require.NoError(t, err)
	return h
}

func wavSample(size int) []byte {
	header := []byte("RIFF\x00\x00\x00\x00WAVEfmt ")
	body := bytes.Repeat([]byte{7}, size-len(header))
	return append(header, body...)
}

func (h *harness) create(t *testing.T, ttl time.Duration, maxViews int) models.Share {
	t.Helper()
	share, err := h.manager.Create(context.Background(), CreateRequest{
		Audio:    wavSample(2000),
		Profile:  "en",
		DeviceID: "device-1",
		TTL:      ttl,
		MaxViews: maxViews,
	})
	require.NoError(t, err)
	return share
}

func (h *harness) load(t *testing.T, id string) models.Share {
	t.Helper()
	share, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return share
}

func TestCreateThenAccessReturnsIdenticalBytes(t *testing.T) {
	h := newHarness(t)
	raw := wavSample(4096)

	share, err := h.manager.Create(context.Background(), CreateRequest{Audio: raw, Profile: "EN"})
	require.NoError(t, err)

	assert.NotEmpty(t, share.ID)
	assert.Equal(t, models.StatusActive, share.Status)
	assert.Equal(t, "en", share.Profile)
	assert.Equal(t, h.clock.Now().Add(time.Hour), share.ExpiresAt)
	assert.Equal(t, 3, share.MaxViews)
	assert.True(t, strings.HasPrefix(share.StorageKey, "challenges/"))
	assert.True(t, strings.HasSuffix(share.StorageKey, ".wav"))

	result, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyNone, result.Denied)
	assert.Equal(t, raw, result.Audio)
	assert.Equal(t, "audio/wav", result.ContentType)
	assert.Equal(t, 2, result.Remaining)
	assert.False(t, result.Triggered)
}

func TestSingleViewShareIsDestroyedByItsOnlyAccess(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, 60*time.Second, 1)

	first, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyNone, first.Denied)
	assert.True(t, first.Triggered)
	assert.NotEmpty(t, first.Audio)

	stored := h.load(t, share.ID)
	assert.Equal(t, models.StatusDestroyed, stored.Status)
	assert.Empty(t, stored.StorageKey)
	require.NotNil(t, stored.DestroyedAt)
	assert.Equal(t, 0, h.broker.Len())

	_, err = h.broker.Get(context.Background(), share.StorageKey)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	second, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyExhausted, second.Denied)
	assert.Nil(t, second.Audio)
	assert.False(t, second.Triggered)
}

func TestAccessAfterDeadlineExpiresAndDestroys(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, time.Second, 5)

	h.clock.Advance(2 * time.Second)

	result, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyExpired, result.Denied)
	assert.True(t, result.Triggered)

	stored := h.load(t, share.ID)
	assert.Equal(t, models.StatusDestroyed, stored.Status)
	assert.Equal(t, 0, stored.ViewCount)
	assert.Equal(t, 0, h.broker.Len())

	again, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyExpired, again.Denied)
	assert.False(t, again.Triggered)
}

func TestAccessUnknownShare(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.Access(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, models.DenyNotFound, result.Denied)
}

func TestConcurrentAccessOnLastViewTriggersExactlyOnce(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, 0, 3)

	for i := 0; i < 2; i++ {
		_, err := h.manager.Access(context.Background(), share.ID)
		require.NoError(t, err)
	}

	const callers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		served    int
		triggered int
		exhausted int
	)
	start := make(chan struct{})
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			result, err := h.manager.Access(context.Background(), share.ID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if result.Denied == models.DenyNone {
				served++
			}
			if result.Triggered {
				triggered++
			}
			if result.Denied == models.DenyExhausted {
				exhausted++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, served)
	assert.Equal(t, 1, triggered)
	assert.Equal(t, callers-1, exhausted)

	stored := h.load(t, share.ID)
	assert.Equal(t, 3, stored.ViewCount)
	assert.Equal(t, models.StatusDestroyed, stored.Status)
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, 0, 1)

	_, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)
	deletes := h.broker.Calls(storage.OpDelete)
	destroyedAt := h.load(t, share.ID).DestroyedAt

	require.NoError(t, h.manager.Destroy(context.Background(), share.ID))
	require.NoError(t, h.manager.Destroy(context.Background(), share.ID))

	stored := h.load(t, share.ID)
	assert.Equal(t, models.StatusDestroyed, stored.Status)
	assert.Equal(t, destroyedAt, stored.DestroyedAt)
	assert.Equal(t, deletes, h.broker.Calls(storage.OpDelete))

	assert.NoError(t, h.manager.Destroy(context.Background(), "missing"))
}

func TestDestroyRefusesActiveShare(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, 0, 2)

	err := h.manager.Destroy(context.Background(), share.ID)
	assert.ErrorIs(t, err, ErrShareActive)
	assert.Equal(t, 1, h.broker.Len())
}

func TestDestroyTreatsMissingObjectAsDeleted(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, time.Second, 2)
	h.broker.Remove(share.StorageKey)

	h.clock.Advance(time.Minute)
	_, err := h.repo.Expire(context.Background(), share.ID, h.clock.Now())
	require.NoError(t, err)

	require.NoError(t, h.manager.Destroy(context.Background(), share.ID))
	assert.Equal(t, models.StatusDestroyed, h.load(t, share.ID).Status)
}

func TestDeleteFailureLeavesShareForReconciliation(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, 0, 1)
	h.broker.InjectFault(storage.OpDelete, errors.New("bucket offline"))

	result, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyNone, result.Denied)
	assert.True(t, result.Triggered)

	stored := h.load(t, share.ID)
	assert.Equal(t, models.StatusExhausted, stored.Status)
	assert.Equal(t, share.StorageKey, stored.StorageKey)
	assert.Nil(t, stored.DestroyedAt)
	assert.Equal(t, 1, h.broker.Len())

	h.broker.InjectFault(storage.OpDelete, nil)
	require.NoError(t, h.manager.Destroy(context.Background(), share.ID))

	stored = h.load(t, share.ID)
	assert.Equal(t, models.StatusDestroyed, stored.Status)
	assert.Equal(t, 0, h.broker.Len())
}

func TestAccessWithMissingPayloadIsGoneAndFlagged(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, 0, 3)
	h.broker.Remove(share.StorageKey)

	result, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyGone, result.Denied)
	assert.Nil(t, result.Audio)

	stored := h.load(t, share.ID)
	assert.True(t, stored.NeedsReconcile)
	assert.Equal(t, 1, stored.ViewCount)

	probe, err := h.manager.Probe(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyGone, probe.Denied)
}

func TestAccessStoreOutageDoesNotRefundView(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, 0, 3)
	h.broker.InjectFault(storage.OpGet, errors.New("timeout"))

	_, err := h.manager.Access(context.Background(), share.ID)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	stored := h.load(t, share.ID)
	assert.Equal(t, 1, stored.ViewCount)
	assert.False(t, stored.NeedsReconcile)
}

func TestProbeDoesNotConsumeViews(t *testing.T) {
	h := newHarness(t)
	share := h.create(t, time.Minute, 2)

	for i := 0; i < 3; i++ {
		probe, err := h.manager.Probe(context.Background(), share.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DenyNone, probe.Denied)
		assert.Equal(t, 2, probe.Remaining)
	}
	assert.Equal(t, 0, h.load(t, share.ID).ViewCount)

	h.clock.Advance(time.Minute)
	probe, err := h.manager.Probe(context.Background(), share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DenyExpired, probe.Denied)
	assert.Equal(t, 0, probe.Remaining)
	assert.Equal(t, models.StatusActive, h.load(t, share.ID).Status)

	missing, err := h.manager.Probe(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, models.DenyNotFound, missing.Denied)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name  string
		req   CreateRequest
		check func(t *testing.T, err error)
	}{
		{
			name: "audio too short",
			req:  CreateRequest{Audio: wavSample(100)},
			check: func(t *testing.T, err error) {
				var aErr *audio.Error
				require.ErrorAs(t, err, &aErr)
				assert.Equal(t, audio.CodeTooShort, aErr.Code)
			},
		},
		{
			name: "not audio",
			req:  CreateRequest{Audio: bytes.Repeat([]byte("text "), 400)},
			check: func(t *testing.T, err error) {
				var aErr *audio.Error
				require.ErrorAs(t, err, &aErr)
				assert.Equal(t, audio.CodeUnsupported, aErr.Code)
			},
		},
		{
			name: "unknown profile",
			req:  CreateRequest{Audio: wavSample(2000), Profile: "klingon"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, transform.ErrUnknownProfile)
			},
		},
		{
			name:  "ttl above maximum",
			req:   CreateRequest{Audio: wavSample(2000), TTL: 73 * time.Hour},
			check: func(t *testing.T, err error) {},
		},
		{
			name:  "negative max views",
			req:   CreateRequest{Audio: wavSample(2000), MaxViews: -1},
			check: func(t *testing.T, err error) {},
		},
		{
			name:  "max views above maximum",
			req:   CreateRequest{Audio: wavSample(2000), MaxViews: 51},
			check: func(t *testing.T, err error) {},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.manager.Create(context.Background(), tc.req)
			require.ErrorIs(t, err, ErrInvalidInput)
			tc.check(t, err)
			assert.Zero(t, h.broker.Calls(storage.OpPut))
		})
	}
}

type failingTransformer struct {
	err   error
	calls int
}

func (f *failingTransformer) Transform(context.Context, transform.Sample, transform.Profile) (transform.Result, error) {
	f.calls++
	return transform.Result{}, f.err
}

type recordingTransformer struct {
	got transform.Sample
}

func (r *recordingTransformer) Transform(_ context.Context, in transform.Sample, _ transform.Profile) (transform.Result, error) {
	r.got = in
	return transform.Result{Audio: in.Audio, ContentType: in.ContentType}, nil
}

func TestCreatePassesSniffedFormatToTransformer(t *testing.T) {
	recorder := &recordingTransformer{}
	h := newHarness(t, func(d *Dependencies, _ *Options) { d.Transformer = recorder })

	_, err := h.manager.Create(context.Background(), CreateRequest{Audio: wavSample(2000)})
	require.NoError(t, err)

	assert.Equal(t, "wav", recorder.got.Format)
	assert.Equal(t, "audio/wav", recorder.got.ContentType)
	assert.Len(t, recorder.got.Audio, 2000)
}

func TestCreatePropagatesTransformFailure(t *testing.T) {
	upstream := &failingTransformer{err: &transform.Error{Reason: "enrollment rejected", Transient: true, StatusCode: 503}}
	h := newHarness(t, func(d *Dependencies, _ *Options) { d.Transformer = upstream })

	_, err := h.manager.Create(context.Background(), CreateRequest{Audio: wavSample(2000)})

	var tErr *TransformFailedError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "enrollment rejected", tErr.Reason)
	assert.True(t, tErr.Transient)
	assert.Equal(t, 1, upstream.calls)
	assert.Zero(t, h.broker.Calls(storage.OpPut))
}

func TestCreateStorageFailurePersistsNothing(t *testing.T) {
	var ids int
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.NewID = func() string {
			ids++
			return "never-used"
		}
	})
	h.broker.InjectFault(storage.OpPut, errors.New("bucket offline"))

	_, err := h.manager.Create(context.Background(), CreateRequest{Audio: wavSample(2000)})
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Zero(t, ids)

	_, err = h.repo.Get(context.Background(), "never-used")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestCreateRegeneratesCollidingID(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.NewID = func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
	})

	first := h.create(t, 0, 0)
	second := h.create(t, 0, 0)

	assert.Equal(t, "dup", first.ID)
	assert.Equal(t, "fresh", second.ID)
	assert.Equal(t, 2, h.broker.Len())
}

type failingCreateRepo struct {
	repositories.ShareRepository
}

func (failingCreateRepo) Create(context.Context, models.Share) error {
	return errors.New("connection reset")
}

func TestCreatePersistFailureDeletesStoredPayload(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Shares = failingCreateRepo{ShareRepository: d.Shares}
	})

	_, err := h.manager.Create(context.Background(), CreateRequest{Audio: wavSample(2000)})
	require.Error(t, err)
	assert.Equal(t, 1, h.broker.Calls(storage.OpPut))
	assert.Equal(t, 0, h.broker.Len())
}

func TestCreateQuotaPerDevice(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) {
		o.QuotaLimit = 2
		o.QuotaWindow = time.Hour
		o.QuotaSecret = "pepper"
	})
	create := func(device string) error {
		_, err := h.manager.Create(context.Background(), CreateRequest{Audio: wavSample(2000), DeviceID: device})
		return err
	}

	require.NoError(t, create("device-a"))
	require.NoError(t, create("device-a"))
	assert.ErrorIs(t, create("device-a"), ErrRateLimited)
	assert.NoError(t, create("device-b"))
	assert.ErrorIs(t, create(""), ErrInvalidInput)

	h.clock.Advance(time.Hour)
	assert.NoError(t, create("device-a"))
}

func TestDeviceHashIsKeyed(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) { o.QuotaSecret = "pepper" })
	share := h.create(t, 0, 0)

	assert.NotEmpty(t, share.DeviceHash)
	assert.NotContains(t, share.DeviceHash, "device-1")
	assert.Equal(t, share.DeviceHash, h.manager.hashDevice("device-1"))

	other := newHarness(t, func(_ *Dependencies, o *Options) { o.QuotaSecret = "salt" })
	assert.NotEqual(t, share.DeviceHash, other.manager.hashDevice("device-1"))
}

func TestTriggeredDestroyGoesThroughDestroyer(t *testing.T) {
	h := newHarness(t)

	queued := make(chan string, 1)
	destroyer := NewDestroyer(func(_ context.Context, id string) error {
		queued <- id
		return nil
	}, DestroyerConfig{QueueSize: 1, Workers: 1}, nil)
	t.Cleanup(func() { _ = destroyer.Shutdown(context.Background()) })
	h.manager.UseDestroyer(destroyer)

	share := h.create(t, 0, 1)
	_, err := h.manager.Access(context.Background(), share.ID)
	require.NoError(t, err)

	select {
	case id := <-queued:
		assert.Equal(t, share.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("destroy job was not queued")
	}
	assert.Equal(t, models.StatusExhausted, h.load(t, share.ID).Status)
}

func TestNewManagerValidatesOptions(t *testing.T) {
	h := newHarness(t)
	deps := Dependencies{
		Shares:      h.repo,
		Broker:      h.broker,
		Transformer: transform.IdentityTransformer{},
		Profiles:    h.manager.profiles,
	}

	_, err := NewManager(deps, Options{DefaultTTL: time.Hour, MaxTTL: time.Minute, DefaultMaxViews: 1, MaxMaxViews: 1})
	assert.Error(t, err)

	_, err = NewManager(deps, Options{DefaultTTL: time.Hour, MaxTTL: time.Hour, DefaultMaxViews: 1, MaxMaxViews: 1, QuotaLimit: 3})
	assert.Error(t, err)

	_, err = NewManager(Dependencies{}, Options{})
	assert.Error(t, err)
}
