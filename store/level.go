package store

import (
	"context"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

const objectKeyPrefix = "/objects/"

// LevelObjects is an ObjectStore backed by a LevelDB datastore. Clients keep
// their object inventory here, next to the SQLite file holding entries and
// the outbox.
type LevelObjects struct {
	ds *dslvl.Datastore
}

var _ ObjectStore = (*LevelObjects)(nil)

// OpenLevelObjects opens (or creates) a LevelDB object store at path.
func OpenLevelObjects(path string) (*LevelObjects, error) {
	d, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb object store %s", path)
	}
	return &LevelObjects{ds: d}, nil
}

func objectKey(id content.ID) ds.Key {
	// ':' is legal in a key segment, but keep keys filesystem-like
	return ds.NewKey(objectKeyPrefix + string(id.Algorithm) + "/" + id.Hex())
}

func idFromKey(k string) (content.ID, error) {
	rest := strings.TrimPrefix(k, objectKeyPrefix)
	alg, hexDigest, ok := strings.Cut(rest, "/")
	if !ok {
		return content.ID{}, errors.Newf("bad object key %q", k)
	}
	return content.Parse(alg + ":" + hexDigest)
}

// Put implements ObjectStore.
func (l *LevelObjects) Put(ctx context.Context, data []byte) (content.ID, error) {
	id := content.Sum(data)
	return id, l.put(ctx, id, data)
}

// PutVerified implements ObjectStore.
func (l *LevelObjects) PutVerified(ctx context.Context, id content.ID, data []byte) error {
	if err := id.Verify(data); err != nil {
		return err
	}
	return l.put(ctx, id, data)
}

func (l *LevelObjects) put(ctx context.Context, id content.ID, data []byte) error {
	key := objectKey(id)
	exists, err := l.ds.Has(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "check object %s", id)
	}
	if exists {
		return nil
	}
	if err := l.ds.Put(ctx, key, data); err != nil {
		return errors.Wrapf(err, "store object %s", id)
	}
	return nil
}

// Get implements ObjectStore.
func (l *LevelObjects) Get(ctx context.Context, id content.ID) ([]byte, error) {
	data, err := l.ds.Get(ctx, objectKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, errors.NewNotFoundError("object %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load object %s", id)
	}
	return data, nil
}

// Has implements ObjectStore.
func (l *LevelObjects) Has(ctx context.Context, id content.ID) (bool, error) {
	ok, err := l.ds.Has(ctx, objectKey(id))
	if err != nil {
		return false, errors.Wrapf(err, "check object %s", id)
	}
	return ok, nil
}

// List implements ObjectStore.
func (l *LevelObjects) List(ctx context.Context) ([]content.ID, error) {
	res, err := l.ds.Query(ctx, dsq.Query{Prefix: objectKeyPrefix, KeysOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "query objects")
	}
	defer res.Close()

	var ids []content.ID
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return nil, errors.Wrap(r.Error, "iterate objects")
		}
		id, err := idFromKey(r.Key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	content.Sort(ids)
	return ids, nil
}

// Close closes the datastore.
func (l *LevelObjects) Close() error {
	return l.ds.Close()
}
