package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	products map[int64]Product
	types    map[string]MovementType
	calls    int
}

func (r *countingRepo) GetProduct(ctx context.Context, id int64) (Product, error) {
	r.calls++
	if p, ok := r.products[id]; ok {
		return p, nil
	}
	return Product{}, ErrNotFound
}

func (r *countingRepo) GetUnit(ctx context.Context, id int64) (UnitOfMeasure, error) {
	r.calls++
	return UnitOfMeasure{ID: id, ConversionFactor: decimal.NewFromInt(1)}, nil
}

func (r *countingRepo) GetMovementType(ctx context.Context, id int64) (MovementType, error) {
	r.calls++
	return MovementType{ID: id}, nil
}

func (r *countingRepo) GetMovementTypeByCode(ctx context.Context, code string) (MovementType, error) {
	r.calls++
	if t, ok := r.types[code]; ok {
		return t, nil
	}
	return MovementType{}, ErrNotFound
}

func (r *countingRepo) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	r.calls++
	return Supplier{ID: id, PaymentTermsDays: 30}, nil
}

func newTestRepo() *countingRepo {
	return &countingRepo{
		products: map[int64]Product{
			1: {ID: 1, Code: "WIDGET", UnitID: 1, TracksInventory: true},
		},
		types: map[string]MovementType{
			"GR": {ID: 1, Code: "GR", Direction: DirectionIn, Effect: EffectIncrease, RequiresDestination: true},
		},
	}
}

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestGetProductCached(t *testing.T) {
	repo := newTestRepo()
	client, _ := newRedisClient(t)
	svc := NewService(repo, NewCache(client, time.Minute))
	ctx := context.Background()

	p, err := svc.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "WIDGET", p.Code)
	require.Equal(t, 1, repo.calls)

	// Second read comes from Redis.
	p, err = svc.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "WIDGET", p.Code)
	require.True(t, p.TracksInventory)
	require.Equal(t, 1, repo.calls)
}

func TestCacheExpiry(t *testing.T) {
	repo := newTestRepo()
	client, mr := newRedisClient(t)
	svc := NewService(repo, NewCache(client, time.Minute))
	ctx := context.Background()

	_, err := svc.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls)

	mr.FastForward(2 * time.Minute)

	_, err = svc.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}

func TestNilClientPassthrough(t *testing.T) {
	repo := newTestRepo()
	svc := NewService(repo, NewCache(nil, time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.GetProduct(ctx, 1)
		require.NoError(t, err)
	}
	require.Equal(t, 3, repo.calls)
}

func TestNotFoundNotCached(t *testing.T) {
	repo := newTestRepo()
	client, _ := newRedisClient(t)
	svc := NewService(repo, NewCache(client, time.Minute))
	ctx := context.Background()

	_, err := svc.GetProduct(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)

	// The miss hits the repository again rather than caching an error.
	_, err = svc.GetProduct(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, repo.calls)
}

func TestGetMovementTypeByCode(t *testing.T) {
	repo := newTestRepo()
	client, _ := newRedisClient(t)
	svc := NewService(repo, NewCache(client, time.Minute))
	ctx := context.Background()

	mt, err := svc.GetMovementTypeByCode(ctx, "GR")
	require.NoError(t, err)
	require.Equal(t, EffectIncrease, mt.Effect)
	require.True(t, mt.RequiresDestination)

	mt, err = svc.GetMovementTypeByCode(ctx, "GR")
	require.NoError(t, err)
	require.Equal(t, DirectionIn, mt.Direction)
	require.Equal(t, 1, repo.calls)

	_, err = svc.GetMovementTypeByCode(ctx, "")
	require.Error(t, err)
}

func TestSupplierCreditHelper(t *testing.T) {
	unlimited := Supplier{CreditLimit: decimal.Zero, CurrentBalance: decimal.NewFromInt(100000)}
	require.True(t, unlimited.HasAvailableCredit(decimal.NewFromInt(1)))

	limited := Supplier{CreditLimit: decimal.NewFromInt(500), CurrentBalance: decimal.NewFromInt(400)}
	require.True(t, limited.HasAvailableCredit(decimal.NewFromInt(100)))
	require.False(t, limited.HasAvailableCredit(decimal.RequireFromString("100.01")))
}
