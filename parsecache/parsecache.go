// Package parsecache хранит результаты экстракции адаптеров, ключуя их
// content-hash'ем файла. Повторная индексация неизменённого блоба (full-пасс,
// другой repo с тем же файлом) не трогает адаптер вовсе.
package parsecache

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"

	"sdl/lang"
)

// KeyValue - это простая структура для хранения пары ключ-значение.
type KeyValue struct {
	Key   ds.Key
	Value []byte
}

// Cache — extraction-кэш поверх BadgerDB (через go-datastore).
type Cache struct {
	ds *badger4.Datastore
}

var root = ds.NewKey("/extract")

// Open открывает (или создаёт) кэш в указанной директории.
func Open(path string) (*Cache, error) {
	opts := badger4.DefaultOptions
	// Badger по умолчанию болтлив на INFO; кэш — служебный компонент.
	opts.Options = opts.Options.WithLoggingLevel(badger.WARNING)
	store, err := badger4.NewDatastore(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("parsecache: open %s: %w", path, err)
	}
	return &Cache{ds: store}, nil
}

func (c *Cache) Close() error {
	return c.ds.Close()
}

func key(language, contentHash string) ds.Key {
	return root.ChildString(language).ChildString(contentHash)
}

// Get возвращает закэшированную экстракцию, если она есть.
func (c *Cache) Get(ctx context.Context, language, contentHash string) (*lang.Extraction, bool) {
	data, err := c.ds.Get(ctx, key(language, contentHash))
	if err != nil {
		return nil, false
	}
	var ext lang.Extraction
	if err := json.Unmarshal(data, &ext); err != nil {
		// Повреждённая запись — вычищаем и перечитываем заново.
		c.ds.Delete(ctx, key(language, contentHash))
		return nil, false
	}
	return &ext, true
}

// Put сохраняет экстракцию под (language, contentHash).
func (c *Cache) Put(ctx context.Context, language, contentHash string, ext *lang.Extraction) error {
	data, err := json.Marshal(ext)
	if err != nil {
		return err
	}
	return c.ds.Put(ctx, key(language, contentHash), data)
}

// Iterator — итератор по ключам с префиксом.
// Возвращает канал пар ключ-значение и канал ошибок (сигнализирует
// ошибки из Query/Next/ctx.Done()).
func (c *Cache) Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: keysOnly,
	}

	result, err := c.ds.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan KeyValue)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				out <- KeyValue{Key: ds.NewKey(res.Key), Value: res.Value}
			}
		}
	}()

	return out, errc, nil
}

// Clear удаляет все записи кэша.
func (c *Cache) Clear(ctx context.Context) error {
	it, errc, err := c.Iterator(ctx, root, true)
	if err != nil {
		return err
	}

	b, err := c.ds.Batch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-errc:
			if ok && e != nil {
				return e
			}
			errc = nil
		case kv, ok := <-it:
			if !ok {
				return b.Commit(ctx)
			}
			if err := b.Delete(ctx, kv.Key); err != nil {
				return err
			}
		}
	}
}

// Len считает записи под префиксом (для диагностики).
func (c *Cache) Len(ctx context.Context) (int, error) {
	it, errc, err := c.Iterator(ctx, root, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case e, ok := <-errc:
			if ok && e != nil {
				return n, e
			}
			errc = nil
		case _, ok := <-it:
			if !ok {
				return n, nil
			}
			n++
		}
	}
}
