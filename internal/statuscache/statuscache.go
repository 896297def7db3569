// Package statuscache кэширует справочник статусов заказа на время жизни процесса.
package statuscache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrNotReady возвращается, пока справочник статусов не удалось загрузить.
// Ошибка временная: вызывающий отвечает 503 и полагается на повтор от шлюза.
var ErrNotReady = errors.New("status catalog not ready")

// Source описывает источник справочника статусов.
type Source interface {
	ListOrderStatuses(ctx context.Context) (map[string]int64, error)
}

// Catalog — ленивый кэш отображения имени статуса в его числовой идентификатор.
// После первой успешной загрузки снимок неизменяем и безопасен для
// конкурентного чтения; конкурентные первые вызовы делят один запрос к БД.
type Catalog struct {
	source Source

	group  singleflight.Group
	loaded atomic.Pointer[map[string]int64]
}

// NewCatalog создаёт кэш справочника статусов поверх указанного источника.
func NewCatalog(source Source) *Catalog {
	return &Catalog{source: source}
}

// Get возвращает снимок справочника, при необходимости загружая его.
// Каждый вызов получает собственную копию: запись в возвращённую карту
// не влияет на кэш и других вызывающих.
func (c *Catalog) Get(ctx context.Context) (map[string]int64, error) {
	if m := c.loaded.Load(); m != nil {
		return copyStatuses(*m), nil
	}

	v, err, _ := c.group.Do("statuses", func() (any, error) {
		if m := c.loaded.Load(); m != nil {
			return *m, nil
		}

		m, err := c.source.ListOrderStatuses(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotReady, err)
		}
		if len(m) == 0 {
			return nil, fmt.Errorf("%w: empty status table", ErrNotReady)
		}

		c.loaded.Store(&m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	return copyStatuses(v.(map[string]int64)), nil
}

func copyStatuses(m map[string]int64) map[string]int64 {
	cp := make(map[string]int64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
