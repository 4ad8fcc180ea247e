package repository

import (
	"context"
	"sync"
)

// StaticPromocodes - каталог промокодов в памяти, общий для всех вариантов хранилища
type StaticPromocodes struct {
	mu    sync.RWMutex
	codes map[string]Promocode
}

// DefaultPromocodes - промокоды, доступные с запуска сервиса
func DefaultPromocodes() []Promocode {
	return []Promocode{
		{Code: "SUMMER24", DiscountAmount: 500, Active: true},
		{Code: "WELCOME10", DiscountAmount: 1000, Active: true},
	}
}

// NewStaticPromocodes создаёт каталог из списка (код сравнивается точно, с учётом регистра)
func NewStaticPromocodes(codes []Promocode) *StaticPromocodes {
	m := make(map[string]Promocode, len(codes))
	for _, c := range codes {
		m[c.Code] = c
	}
	return &StaticPromocodes{codes: m}
}

// FindPromocode возвращает активный промокод
func (s *StaticPromocodes) FindPromocode(ctx context.Context, code string) (Promocode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.codes[code]
	if !ok || !p.Active {
		return Promocode{}, ErrPromocodeNotFound
	}
	return p, nil
}
