package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maneesh/dropvault/internal/blobstore"
	"github.com/maneesh/dropvault/internal/common"
	"github.com/maneesh/dropvault/internal/logging"
	"github.com/maneesh/dropvault/internal/models"
	"github.com/maneesh/dropvault/internal/ratelimit"
	"github.com/maneesh/dropvault/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type testEnv struct {
	svc     *Service
	records *storage.MemoryRecords
	objects *blobstore.MemoryObjects
	blobs   *blobstore.Store
	clock   *fakeClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	kv := ratelimit.NewMemoryStore().WithClock(clock.Now)
	records := storage.NewMemoryRecords()
	objects := blobstore.NewMemoryObjects()
	blobs := blobstore.New(objects, 32)

	limiter := ratelimit.NewLimiter(kv, logging.Discard())
	sessions := NewSessionManager([]byte("test-secret"), time.Hour, kv, clock.Now)

	base := []Option{WithClock(clock.Now), WithSecretCost(bcrypt.MinCost)}
	svc := NewService(records, blobs, limiter, sessions, logging.Discard(), append(base, opts...)...)
	return &testEnv{svc: svc, records: records, objects: objects, blobs: blobs, clock: clock}
}

func login(t *testing.T, env *testEnv, email, pin string) *Session {
	t.Helper()
	s, err := env.svc.Authenticate(context.Background(), "10.0.0.1", email, pin)
	require.NoError(t, err)
	return s
}

func TestService_FirstLoginProvisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.svc.Authenticate(ctx, "10.0.0.1", "  Alice@Example.COM ", "1234")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", s.Email)
	assert.NotEmpty(t, s.Token)

	owner, err := env.records.GetOwnerByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, s.OwnerID)
	assert.NotEqual(t, "1234", owner.PINHash)

	again, err := env.svc.Authenticate(ctx, "10.0.0.2", "alice@example.com", "1234")
	require.NoError(t, err)
	assert.Equal(t, s.OwnerID, again.OwnerID)

	_, err = env.svc.Authenticate(ctx, "10.0.0.2", "alice@example.com", "4321")
	assert.ErrorIs(t, err, common.ErrAuthentication)
}

func TestService_InvalidCredentialsShape(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name, email, pin string
	}{
		{"no at", "alice.example.com", "1234"},
		{"no local", "@example.com", "1234"},
		{"no domain", "alice@", "1234"},
		{"two ats", "a@b@c", "1234"},
		{"space", "al ice@example.com", "1234"},
		{"short pin", "a@b.com", "123"},
		{"long pin", "a@b.com", "1234567"},
		{"letters", "a@b.com", "12a4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Authenticate(ctx, "c", tt.email, tt.pin)
			assert.ErrorIs(t, err, common.ErrInvalidInput)
		})
	}
}

func TestService_ThreeWrongPINsBlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	login(t, env, "a@b.com", "1234")

	for i := 0; i < 3; i++ {
		_, err := env.svc.Authenticate(ctx, "10.0.0.1", "a@b.com", "9999")
		assert.ErrorIs(t, err, common.ErrAuthentication)
	}

	_, err := env.svc.Authenticate(ctx, "10.0.0.1", "a@b.com", "1234")
	assert.ErrorIs(t, err, common.ErrRateLimited)

	env.clock.Advance(ratelimit.DefaultBlock)
	_, err = env.svc.Authenticate(ctx, "10.0.0.1", "a@b.com", "1234")
	assert.NoError(t, err)
}

func TestService_EmailBlockedAcrossAddresses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	login(t, env, "a@b.com", "1234")

	for i, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		_, err := env.svc.Authenticate(ctx, ip, "a@b.com", "000"+string(rune('0'+i)))
		assert.ErrorIs(t, err, common.ErrAuthentication)
	}

	_, err := env.svc.Authenticate(ctx, "4.4.4.4", "a@b.com", "1234")
	assert.ErrorIs(t, err, common.ErrRateLimited)

	// the same addresses can still log in to other vaults
	_, err = env.svc.Authenticate(ctx, "1.1.1.1", "other@b.com", "1234")
	assert.NoError(t, err)
}

func TestService_ConcurrentFirstLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, ratelimit.DefaultThreshold)
	errs := make([]error, ratelimit.DefaultThreshold)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := env.svc.Authenticate(ctx, "c", "race@b.com", "1234")
			errs[i] = err
			if err == nil {
				ids[i] = s.OwnerID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

// slowOwners delays owner lookups so concurrent logins overlap.
type slowOwners struct {
	*storage.MemoryRecords
	delay   time.Duration
	lookups atomic.Int64
}

func (s *slowOwners) GetOwnerByEmail(ctx context.Context, email string) (*models.VaultOwner, error) {
	s.lookups.Add(1)
	time.Sleep(s.delay)
	return s.MemoryRecords.GetOwnerByEmail(ctx, email)
}

func TestService_ParallelWrongPINsAreCapped(t *testing.T) {
	ctx := context.Background()
	records := &slowOwners{MemoryRecords: storage.NewMemoryRecords(), delay: 20 * time.Millisecond}
	kv := ratelimit.NewMemoryStore()
	svc := NewService(records, blobstore.New(blobstore.NewMemoryObjects(), 32),
		ratelimit.NewLimiter(kv, logging.Discard()),
		NewSessionManager([]byte("test-secret"), time.Hour, kv, time.Now),
		logging.Discard(),
		WithSecretCost(bcrypt.MinCost),
	)

	_, err := svc.Authenticate(ctx, "10.0.0.1", "a@b.com", "1234")
	require.NoError(t, err)
	records.lookups.Store(0)

	const guesses = 50
	var (
		wg          sync.WaitGroup
		wrong       atomic.Int64
		rateLimited atomic.Int64
	)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Authenticate(ctx, "10.0.0.1", "a@b.com", fmt.Sprintf("%04d", 5000+i))
			switch {
			case errors.Is(err, common.ErrAuthentication):
				wrong.Add(1)
			case errors.Is(err, common.ErrRateLimited):
				rateLimited.Add(1)
			default:
				t.Errorf("unexpected result: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, records.lookups.Load(), int64(ratelimit.DefaultThreshold))
	assert.Equal(t, records.lookups.Load(), wrong.Load(), "every evaluated guess was wrong")
	assert.Equal(t, int64(guesses), wrong.Load()+rateLimited.Load())

	_, err = svc.Authenticate(ctx, "10.0.0.1", "a@b.com", "1234")
	assert.ErrorIs(t, err, common.ErrRateLimited, "the right PIN is refused once blocked")
}

func TestService_StoreRetrieveList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := login(t, env, "a@b.com", "1234")

	first, err := env.svc.StoreFile(ctx, s.Token, []byte("first file"), "one.txt")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	second, err := env.svc.StoreFile(ctx, s.Token, []byte("second file"), "two.txt")
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, second.Key)

	files, err := env.svc.ListFiles(ctx, s.Token)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, second.ID, files[0].ID)
	assert.Equal(t, first.ID, files[1].ID)

	got, data, err := env.svc.RetrieveFile(ctx, s.Token, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "one.txt", got.OriginalName)
	assert.Equal(t, []byte("first file"), data)
}

func TestService_StoreFileValidation(t *testing.T) {
	env := newTestEnv(t, WithMaxSize(4))
	ctx := context.Background()
	s := login(t, env, "a@b.com", "1234")

	_, err := env.svc.StoreFile(ctx, s.Token, nil, "empty")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = env.svc.StoreFile(ctx, s.Token, []byte("12345"), "big")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	assert.Equal(t, 0, env.objects.Len())
}

func TestService_VaultIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := login(t, env, "alice@b.com", "1234")
	bob := login(t, env, "bob@b.com", "5678")

	file, err := env.svc.StoreFile(ctx, alice.Token, []byte("alice only"), "a.txt")
	require.NoError(t, err)

	_, _, err = env.svc.RetrieveFile(ctx, bob.Token, file.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, _, errUnknown := env.svc.RetrieveFile(ctx, bob.Token, "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, errUnknown, err, "foreign and unknown files look the same")

	_, _, err = env.svc.RetrieveFile(ctx, bob.Token, "../a.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.ErrorIs(t, env.svc.DeleteFile(ctx, bob.Token, file.ID), common.ErrNotFound)

	files, err := env.svc.ListFiles(ctx, bob.Token)
	require.NoError(t, err)
	assert.Empty(t, files)

	_, data, err := env.svc.RetrieveFile(ctx, alice.Token, file.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("alice only"), data)
}

func TestService_CorruptedFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := login(t, env, "a@b.com", "1234")

	file, err := env.svc.StoreFile(ctx, s.Token, []byte("soon broken"), "b.txt")
	require.NoError(t, err)
	require.NoError(t, env.blobs.Delete(ctx, file.BlobRef))

	_, _, err = env.svc.RetrieveFile(ctx, s.Token, file.ID)
	assert.ErrorIs(t, err, common.ErrCorruptedFile)

	other, err := env.svc.StoreFile(ctx, s.Token, []byte("wrong key"), "k.txt")
	require.NoError(t, err)
	require.NoError(t, env.records.DeleteFile(ctx, s.OwnerID, other.ID))
	other.Key = make([]byte, 32)
	require.NoError(t, env.records.CreateFile(ctx, other))

	_, _, err = env.svc.RetrieveFile(ctx, s.Token, other.ID)
	assert.ErrorIs(t, err, common.ErrCorruptedFile)
}

func TestService_DeleteFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := login(t, env, "a@b.com", "1234")

	file, err := env.svc.StoreFile(ctx, s.Token, []byte("bye"), "bye.txt")
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteFile(ctx, s.Token, file.ID))
	assert.Equal(t, 0, env.objects.Len())

	_, _, err = env.svc.RetrieveFile(ctx, s.Token, file.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestService_DeleteOwnerCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := login(t, env, "a@b.com", "1234")
	keep := login(t, env, "keep@b.com", "1234")

	for _, name := range []string{"1", "2", "3"} {
		_, err := env.svc.StoreFile(ctx, s.Token, []byte("content "+name), name)
		require.NoError(t, err)
	}
	kept, err := env.svc.StoreFile(ctx, keep.Token, []byte("kept"), "kept")
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteOwner(ctx, s.Token))
	assert.Equal(t, 2, env.objects.Len(), "only the other owner's blob remains")

	_, err = env.svc.ListFiles(ctx, s.Token)
	assert.ErrorIs(t, err, common.ErrInvalidSession)
	_, err = env.records.GetOwnerByEmail(ctx, "a@b.com")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, data, err := env.svc.RetrieveFile(ctx, keep.Token, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), data)

	// next login with the same email starts an empty vault
	fresh := login(t, env, "a@b.com", "9999")
	files, err := env.svc.ListFiles(ctx, fresh.Token)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestService_Logout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := login(t, env, "a@b.com", "1234")

	require.NoError(t, env.svc.Logout(ctx, s.Token))

	_, err := env.svc.ListFiles(ctx, s.Token)
	assert.ErrorIs(t, err, common.ErrInvalidSession)
	_, err = env.svc.StoreFile(ctx, s.Token, []byte("x"), "x")
	assert.ErrorIs(t, err, common.ErrInvalidSession)
}

func TestService_SessionOfDeletedOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := login(t, env, "a@b.com", "1234")

	require.NoError(t, env.records.DeleteOwner(ctx, s.OwnerID))

	_, err := env.svc.Owner(ctx, s.Token)
	assert.ErrorIs(t, err, common.ErrInvalidSession)
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail(" Bob@Example.org ")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.org", got)
}

var (
	_ Repository = (*storage.MemoryRecords)(nil)
	_ Repository = (*storage.MySQLClient)(nil)
)
