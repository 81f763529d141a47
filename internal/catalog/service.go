package catalog

import (
	"context"
	"errors"
	"fmt"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetUnit(ctx context.Context, id int64) (UnitOfMeasure, error)
	GetMovementType(ctx context.Context, id int64) (MovementType, error)
	GetMovementTypeByCode(ctx context.Context, code string) (MovementType, error)
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
}

// Service serves reference lookups, caching records in front of the repository.
type Service struct {
	repo  RepositoryPort
	cache *Cache
}

// NewService constructs catalog service.
func NewService(repo RepositoryPort, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, errors.New("catalog: invalid product id")
	}
	var p Product
	err := s.cache.FetchJSON(ctx, cacheKey("product", id), &p, func(ctx context.Context) (interface{}, error) {
		return s.repo.GetProduct(ctx, id)
	})
	return p, err
}

func (s *Service) GetUnit(ctx context.Context, id int64) (UnitOfMeasure, error) {
	if id <= 0 {
		return UnitOfMeasure{}, errors.New("catalog: invalid unit id")
	}
	var u UnitOfMeasure
	err := s.cache.FetchJSON(ctx, cacheKey("unit", id), &u, func(ctx context.Context) (interface{}, error) {
		return s.repo.GetUnit(ctx, id)
	})
	return u, err
}

func (s *Service) GetMovementType(ctx context.Context, id int64) (MovementType, error) {
	if id <= 0 {
		return MovementType{}, errors.New("catalog: invalid movement type id")
	}
	var mt MovementType
	err := s.cache.FetchJSON(ctx, cacheKey("movement_type", id), &mt, func(ctx context.Context) (interface{}, error) {
		return s.repo.GetMovementType(ctx, id)
	})
	return mt, err
}

// GetMovementTypeByCode resolves well-known movement types such as the goods
// receipt type used by receipt completion.
func (s *Service) GetMovementTypeByCode(ctx context.Context, code string) (MovementType, error) {
	if code == "" {
		return MovementType{}, errors.New("catalog: movement type code required")
	}
	var mt MovementType
	key := fmt.Sprintf("catalog:movement_type:code:%s", code)
	err := s.cache.FetchJSON(ctx, key, &mt, func(ctx context.Context) (interface{}, error) {
		return s.repo.GetMovementTypeByCode(ctx, code)
	})
	return mt, err
}

func (s *Service) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	if id <= 0 {
		return Supplier{}, errors.New("catalog: invalid supplier id")
	}
	var sup Supplier
	err := s.cache.FetchJSON(ctx, cacheKey("supplier", id), &sup, func(ctx context.Context) (interface{}, error) {
		return s.repo.GetSupplier(ctx, id)
	})
	return sup, err
}
