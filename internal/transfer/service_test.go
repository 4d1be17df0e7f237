package transfer

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
	records := storage.NewMemoryRecords()
	objects := blobstore.NewMemoryObjects()
	blobs := blobstore.New(objects, 16)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore().WithClock(clock.Now), logging.Discard())

	base := []Option{
		WithClock(clock.Now),
		WithKDFIterations(1000),
		WithSecretCost(bcrypt.MinCost),
		WithBaseURL("https://drop.example.com/"),
	}
	svc := NewService(records, blobs, limiter, logging.Discard(), append(base, opts...)...)
	return &testEnv{svc: svc, records: records, objects: objects, blobs: blobs, clock: clock}
}

func TestService_HelloWithoutPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("hello"), "hello.txt", "")
	require.NoError(t, err)
	assert.Len(t, rec.Code, 6)
	assert.False(t, rec.PasswordProtected())
	assert.Equal(t, env.clock.Now().Add(DefaultTTL), rec.ExpiresAt)

	got, data, err := env.svc.Receive(ctx, "10.0.0.1", rec.Code, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, "hello.txt", got.OriginalName)
}

func TestService_PasswordScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("secret stuff"), "s.bin", "p@ss")
	require.NoError(t, err)
	require.True(t, rec.PasswordProtected())

	_, _, err = env.svc.Receive(ctx, "client", rec.Code, "")
	assert.ErrorIs(t, err, common.ErrPasswordRequired)

	_, _, err = env.svc.Receive(ctx, "client", rec.Code, "wrong")
	assert.ErrorIs(t, err, common.ErrAuthentication)

	_, data, err := env.svc.Receive(ctx, "client", rec.Code, "p@ss")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret stuff"), data)
}

func TestService_PasswordKeyIsNotStored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("x"), "x", "pw")
	require.NoError(t, err)

	stored, err := env.records.GetTransferByCode(ctx, rec.Code)
	require.NoError(t, err)
	ks, ok := stored.KeySource.(models.PasswordKey)
	require.True(t, ok)
	assert.Len(t, ks.Salt, 16)
	assert.Equal(t, 1000, ks.Iterations)
	assert.NotEqual(t, "pw", ks.Hash)
}

func TestService_ExactlyOneKeySource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		password := ""
		if i%2 == 0 {
			password = fmt.Sprintf("pw-%d", i)
		}
		rec, err := env.svc.CreateTransfer(ctx, []byte{byte(i), 1}, "f", password)
		require.NoError(t, err)

		stored, err := env.records.GetTransferByCode(ctx, rec.Code)
		require.NoError(t, err)
		switch ks := stored.KeySource.(type) {
		case models.PasswordKey:
			assert.NotEmpty(t, password)
			assert.NotEmpty(t, ks.Hash)
		case models.ServerKey:
			assert.Empty(t, password)
			assert.Len(t, ks.Key, 32)
		default:
			t.Fatalf("unexpected key source %T", ks)
		}
	}
}

func TestService_ZeroTTLIsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("gone"), "g", "", WithTTL(0))
	require.NoError(t, err)

	_, err = env.svc.Resolve(ctx, rec.Code)
	assert.ErrorIs(t, err, common.ErrExpired)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = env.svc.Retrieve(ctx, rec, "")
	assert.ErrorIs(t, err, common.ErrExpired)
}

func TestService_ExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("tick"), "t", "pw", WithTTL(time.Hour))
	require.NoError(t, err)

	env.clock.Advance(time.Hour - time.Second)
	_, data, err := env.svc.Receive(ctx, "c", rec.Code, "pw")
	require.NoError(t, err)
	assert.Equal(t, []byte("tick"), data)

	env.clock.Advance(2 * time.Second)
	// correct password does not matter once expired
	_, _, err = env.svc.Receive(ctx, "c", rec.Code, "pw")
	assert.ErrorIs(t, err, common.ErrExpired)
}

func TestService_ResolveByLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("link"), "l", "")
	require.NoError(t, err)

	link := env.svc.Link(rec.Code)
	assert.Equal(t, "https://drop.example.com/r/"+rec.Code, link)

	for _, input := range []string{rec.Code, link, link + "/", "  " + rec.Code + "\n"} {
		got, err := env.svc.Resolve(ctx, input)
		require.NoError(t, err, input)
		assert.Equal(t, rec.ID, got.ID)
	}

	for _, input := range []string{"", "12345", "abcdef", "https://drop.example.com/r/"} {
		_, err := env.svc.Resolve(ctx, input)
		assert.ErrorIs(t, err, common.ErrNotFound, input)
	}
}

func TestService_CodeCollisionRetries(t *testing.T) {
	seq := []string{"111111", "111111", "111111", "222222"}
	var mu sync.Mutex
	gen := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := seq[0]
		seq = seq[1:]
		return c, nil
	}
	env := newTestEnv(t, WithCodeGenerator(gen))
	ctx := context.Background()

	first, err := env.svc.CreateTransfer(ctx, []byte("a"), "a", "")
	require.NoError(t, err)
	second, err := env.svc.CreateTransfer(ctx, []byte("b"), "b", "")
	require.NoError(t, err)

	assert.Equal(t, "111111", first.Code)
	assert.Equal(t, "222222", second.Code)
}

func TestService_CodeSpaceExhausted(t *testing.T) {
	env := newTestEnv(t, WithCodeGenerator(func() (string, error) { return "333333", nil }))
	ctx := context.Background()

	_, err := env.svc.CreateTransfer(ctx, []byte("a"), "a", "")
	require.NoError(t, err)
	before := env.objects.Len()

	_, err = env.svc.CreateTransfer(ctx, []byte("b"), "b", "")
	require.Error(t, err)
	assert.Equal(t, before, env.objects.Len(), "blob of the failed transfer is removed")
}

func TestService_CodesUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		rec, err := env.svc.CreateTransfer(ctx, []byte{byte(i), byte(i >> 8)}, "f", "")
		require.NoError(t, err)
		assert.False(t, seen[rec.Code], "duplicate code %s", rec.Code)
		seen[rec.Code] = true
	}
}

func TestService_InvalidInput(t *testing.T) {
	env := newTestEnv(t, WithMaxSize(8))
	ctx := context.Background()

	tests := []struct {
		name     string
		content  []byte
		password string
		opts     []CreateOption
	}{
		{name: "empty", content: nil},
		{name: "too large", content: make([]byte, 9)},
		{name: "negative ttl", content: []byte("x"), opts: []CreateOption{WithTTL(-time.Second)}},
		{name: "ttl over max", content: []byte("x"), opts: []CreateOption{WithTTL(DefaultMaxTTL + time.Second)}},
		{name: "long password", content: []byte("x"), password: string(make([]byte, 73))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateTransfer(ctx, tt.content, "f", tt.password, tt.opts...)
			assert.ErrorIs(t, err, common.ErrInvalidInput)
		})
	}
	assert.Equal(t, 0, env.objects.Len())
}

func TestService_CreateText(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateText(ctx, "meet at noon", "")
	require.NoError(t, err)
	assert.Equal(t, TextFilename, rec.OriginalName)

	_, data, err := env.svc.Receive(ctx, "c", rec.Code, "")
	require.NoError(t, err)
	assert.Equal(t, "meet at noon", string(data))

	_, err = env.svc.CreateText(ctx, "   ", "")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestService_FilenameCleaned(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.svc.CreateTransfer(context.Background(), []byte("x"), "../../etc/passwd", "")
	require.NoError(t, err)
	assert.Equal(t, "passwd", rec.OriginalName)

	rec, err = env.svc.CreateTransfer(context.Background(), []byte("x"), "", "")
	require.NoError(t, err)
	assert.Equal(t, "file", rec.OriginalName)
}

func TestService_RateLimitBlocksAfterThreeFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("target"), "t", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := env.svc.Receive(ctx, "attacker", "no-such-code", "")
		assert.ErrorIs(t, err, common.ErrNotFound)
	}

	_, _, err = env.svc.Receive(ctx, "attacker", rec.Code, "")
	assert.ErrorIs(t, err, common.ErrRateLimited)

	// other clients are unaffected
	_, _, err = env.svc.Receive(ctx, "someone-else", rec.Code, "")
	assert.NoError(t, err)

	env.clock.Advance(ratelimit.DefaultBlock)
	_, _, err = env.svc.Receive(ctx, "attacker", rec.Code, "")
	assert.NoError(t, err)
}

func TestService_MaxTTLIsConfigurable(t *testing.T) {
	env := newTestEnv(t, WithMaxTTL(time.Hour))
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("x"), "x", "", WithTTL(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(time.Hour), rec.ExpiresAt)

	_, err = env.svc.CreateText(ctx, "x", "", WithTTL(time.Hour+time.Nanosecond))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

// slowLookups delays code lookups so concurrent receives overlap.
type slowLookups struct {
	*storage.MemoryRecords
	delay   time.Duration
	lookups atomic.Int64
}

func (s *slowLookups) GetTransferByCode(ctx context.Context, code string) (*models.TransferRecord, error) {
	s.lookups.Add(1)
	time.Sleep(s.delay)
	return s.MemoryRecords.GetTransferByCode(ctx, code)
}

func TestService_ParallelGuessesAreCapped(t *testing.T) {
	ctx := context.Background()
	records := &slowLookups{MemoryRecords: storage.NewMemoryRecords(), delay: 20 * time.Millisecond}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), logging.Discard())
	svc := NewService(records, blobstore.New(blobstore.NewMemoryObjects(), 16), limiter, logging.Discard())

	const guesses = 100
	var (
		wg          sync.WaitGroup
		notFound    atomic.Int64
		rateLimited atomic.Int64
	)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := svc.Receive(ctx, "attacker", fmt.Sprintf("%06d", i), "")
			switch {
			case errors.Is(err, common.ErrNotFound):
				notFound.Add(1)
			case errors.Is(err, common.ErrRateLimited):
				rateLimited.Add(1)
			default:
				t.Errorf("unexpected result: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, records.lookups.Load(), int64(ratelimit.DefaultThreshold))
	assert.Equal(t, records.lookups.Load(), notFound.Load())
	assert.Equal(t, int64(guesses), notFound.Load()+rateLimited.Load())

	_, _, err := svc.Receive(ctx, "attacker", "123456", "")
	assert.ErrorIs(t, err, common.ErrRateLimited)
}

func TestService_SuccessResetsAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("x"), "x", "pw")
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		for i := 0; i < 2; i++ {
			_, _, err := env.svc.Receive(ctx, "c", rec.Code, "bad")
			assert.ErrorIs(t, err, common.ErrAuthentication)
		}
		_, _, err := env.svc.Receive(ctx, "c", rec.Code, "pw")
		require.NoError(t, err)
	}
}

func TestService_PasswordPromptIsNotAFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("x"), "x", "pw")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		got, _, err := env.svc.Receive(ctx, "c", rec.Code, "")
		assert.ErrorIs(t, err, common.ErrPasswordRequired)
		assert.Equal(t, rec.ID, got.ID)
	}

	_, _, err = env.svc.Receive(ctx, "c", rec.Code, "pw")
	assert.NoError(t, err)
}

func TestService_ServerKeyIgnoresPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("open"), "o", "")
	require.NoError(t, err)

	_, data, err := env.svc.Receive(ctx, "c", rec.Code, "anything")
	require.NoError(t, err)
	assert.Equal(t, []byte("open"), data)
}

func TestService_CorruptedContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("wrong stored key", func(t *testing.T) {
		rec, err := env.svc.CreateTransfer(ctx, []byte("content"), "c", "")
		require.NoError(t, err)

		broken := *rec
		broken.KeySource = models.ServerKey{Key: make([]byte, 32)}
		_, err = env.svc.Retrieve(ctx, &broken, "")
		assert.ErrorIs(t, err, common.ErrCorruptedTransfer)
	})

	t.Run("short stored key", func(t *testing.T) {
		rec, err := env.svc.CreateTransfer(ctx, []byte("content"), "c", "")
		require.NoError(t, err)

		broken := *rec
		broken.KeySource = models.ServerKey{Key: []byte("short")}
		_, err = env.svc.Retrieve(ctx, &broken, "")
		assert.ErrorIs(t, err, common.ErrCorruptedTransfer)
	})

	t.Run("blob missing", func(t *testing.T) {
		rec, err := env.svc.CreateTransfer(ctx, []byte("content"), "c", "")
		require.NoError(t, err)
		require.NoError(t, env.blobs.Delete(ctx, rec.BlobRef))

		_, _, err = env.svc.Receive(ctx, "c2", rec.Code, "")
		assert.ErrorIs(t, err, common.ErrCorruptedTransfer)
	})
}

type brokenBlobs struct{ BlobStore }

func (brokenBlobs) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func TestService_StorageErrorIsNotCorruption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("content"), "c", "")
	require.NoError(t, err)

	env.svc.blobs = brokenBlobs{env.blobs}
	_, err = env.svc.Retrieve(ctx, rec, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrCorruptedTransfer)
}

func TestService_ReapExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	short, err := env.svc.CreateTransfer(ctx, []byte("short"), "s", "", WithTTL(time.Minute))
	require.NoError(t, err)
	long, err := env.svc.CreateTransfer(ctx, []byte("long"), "l", "", WithTTL(time.Hour))
	require.NoError(t, err)

	n, err := env.svc.ReapExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(2 * time.Minute)
	n, err = env.svc.ReapExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.records.GetTransferByCode(ctx, short.Code)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = env.blobs.Get(ctx, short.BlobRef)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	_, data, err := env.svc.Receive(ctx, "c", long.Code, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("long"), data)
}

func TestReaper_RunOnceDrainsBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.svc.CreateTransfer(ctx, []byte{byte(i)}, "f", "", WithTTL(time.Second))
		require.NoError(t, err)
	}
	env.clock.Advance(time.Minute)

	r := NewReaper(env.svc, logging.Discard(), time.Hour, 2)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, env.objects.Len())
}

func TestReaper_CorruptContentDoesNotStall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	broken, err := env.svc.CreateTransfer(ctx, []byte("broken"), "b", "", WithTTL(time.Second))
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	fine, err := env.svc.CreateTransfer(ctx, []byte("fine"), "f", "", WithTTL(time.Second))
	require.NoError(t, err)
	env.clock.Advance(time.Minute)

	require.NoError(t, env.objects.PutObject(ctx, "blobs/"+broken.BlobRef+"/manifest", []byte("{not json")))

	r := NewReaper(env.svc, logging.Discard(), time.Hour, 1)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, env.objects.Len())

	for _, rec := range []*models.TransferRecord{broken, fine} {
		_, err := env.records.GetTransferByCode(ctx, rec.Code)
		assert.ErrorIs(t, err, common.ErrNotFound)
	}
}

type unreadableBlobs struct{ BlobStore }

func (unreadableBlobs) Delete(context.Context, string) error {
	return fmt.Errorf("%w: unreadable manifest", blobstore.ErrIntegrity)
}

func TestService_DeleteDropsRecordOfUnreadableContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateTransfer(ctx, []byte("content"), "c", "")
	require.NoError(t, err)

	env.svc.blobs = unreadableBlobs{env.blobs}
	require.NoError(t, env.svc.Delete(ctx, rec))

	_, err = env.records.GetTransferByCode(ctx, rec.Code)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	r := NewReaper(env.svc, logging.Discard(), time.Millisecond, 0)
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
