package runtime

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	handlerpkg "github.com/drblury/ninjin/internal/runtime/handlers"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	"github.com/drblury/ninjin/internal/runtime/query"
)

// Record is one stored object as seen by a CRUD resource.
type Record = map[string]any

// ListQuery carries the list parameters of a get_list request.
type ListQuery struct {
	Filtering  *query.Filtering
	Ordering   query.Ordering
	Pagination query.Pagination
}

// CRUDStore is the storage behind NewCRUDResource. Get returns a nil record
// when nothing matches id.
type CRUDStore interface {
	Exists(ctx context.Context, id any) (bool, error)
	Create(ctx context.Context, id any, fields Record) error
	Get(ctx context.Context, id any) (Record, error)
	Update(ctx context.Context, id any, fields Record) error
	Delete(ctx context.Context, id any) error
	List(ctx context.Context, q ListQuery) ([]Record, error)
}

// CRUDOptions tunes NewCRUDResource. Zero values select the defaults.
type CRUDOptions struct {
	// PrimaryKey names the identifier field. Defaults to "id".
	PrimaryKey      string
	AllowedFilters  query.AllowedFilters
	AllowedOrdering []string
}

type crudResource struct {
	store CRUDStore
	opts  CRUDOptions
}

// NewCRUDResource builds a resource with the handlers create, update and
// delete, which never reply, and get and get_list, which do.
//
// The object id is taken from the payload field named by the primary key,
// or else from an exact filter on it.
func NewCRUDResource(name string, store CRUDStore, opts CRUDOptions) (*Resource, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: crud resource %q needs a store", errspkg.ErrImproperlyConfigured, name)
	}
	if opts.PrimaryKey == "" {
		opts.PrimaryKey = "id"
	}
	if opts.AllowedFilters == nil {
		opts.AllowedFilters = query.AllowedFilters{opts.PrimaryKey: query.AllOps}
	}
	c := &crudResource{store: store, opts: opts}

	return NewResource(name).
		Actor("create", c.create, NeverReply()).
		Actor("update", c.update, NeverReply()).
		Actor("delete", c.delete, NeverReply()).
		Actor("get", c.get).
		Actor("get_list", c.getList).
		Build()
}

// request decodes the payload and pulls the object id out of it.
func (c *crudResource) request(hc *handlerpkg.Context) (any, Record, error) {
	fields := Record{}
	if !jsoncodec.IsNull(hc.Payload()) {
		if err := jsoncodec.Unmarshal(hc.Payload(), &fields); err != nil {
			return nil, nil, errors.Join(errspkg.ErrValidation, fmt.Errorf("decode payload: %w", err))
		}
	}

	if id, ok := fields[c.opts.PrimaryKey]; ok {
		delete(fields, c.opts.PrimaryKey)
		return id, fields, nil
	}

	filtering, err := hc.Filtering(c.opts.AllowedFilters)
	if err != nil {
		return nil, nil, err
	}
	for f := range filtering.Seq() {
		if f.Field != c.opts.PrimaryKey || f.Op != query.OpExact {
			continue
		}
		var id any
		if err := f.Decode(&id); err != nil {
			return nil, nil, errors.Join(errspkg.ErrValidation, err)
		}
		return id, fields, nil
	}
	return nil, fields, nil
}

func (c *crudResource) lookup(ctx context.Context, hc *handlerpkg.Context) (any, Record, Record, error) {
	id, fields, err := c.request(hc)
	if err != nil || id == nil {
		return id, fields, nil, err
	}
	obj, err := c.store.Get(ctx, id)
	return id, fields, obj, err
}

func (c *crudResource) create(ctx context.Context, hc *handlerpkg.Context) (any, error) {
	id, fields, err := c.request(hc)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, fmt.Errorf("%w: %s is required", errspkg.ErrValidation, c.opts.PrimaryKey)
	}
	exists, err := c.store.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		hc.Logger.Debug("Object already exists", loggingpkg.LogFields{c.opts.PrimaryKey: id})
		return nil, nil
	}
	return nil, c.store.Create(ctx, id, fields)
}

func (c *crudResource) update(ctx context.Context, hc *handlerpkg.Context) (any, error) {
	id, fields, obj, err := c.lookup(ctx, hc)
	if err != nil || obj == nil {
		return nil, err
	}
	return nil, c.store.Update(ctx, id, fields)
}

func (c *crudResource) delete(ctx context.Context, hc *handlerpkg.Context) (any, error) {
	id, _, obj, err := c.lookup(ctx, hc)
	if err != nil || obj == nil {
		return nil, err
	}
	return nil, c.store.Delete(ctx, id)
}

func (c *crudResource) get(ctx context.Context, hc *handlerpkg.Context) (any, error) {
	_, _, obj, err := c.lookup(ctx, hc)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj, nil
}

func (c *crudResource) getList(ctx context.Context, hc *handlerpkg.Context) (any, error) {
	filtering, err := hc.Filtering(c.opts.AllowedFilters)
	if err != nil {
		return nil, err
	}
	page, err := hc.Pagination()
	if err != nil {
		return nil, err
	}
	records, err := c.store.List(ctx, ListQuery{
		Filtering:  filtering,
		Ordering:   hc.Ordering(c.opts.AllowedOrdering),
		Pagination: page,
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
