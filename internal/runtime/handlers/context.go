package handlers

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
	"github.com/drblury/ninjin/internal/runtime/query"
	"github.com/drblury/ninjin/internal/runtime/validation"
)

// MessageContextBase holds the headers and logger of the message being handled.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// QueryDefaults bounds pagination for list handlers.
type QueryDefaults struct {
	ItemsPerPage    int
	MaxItemsPerPage int
}

// Context is created per delivered envelope and handed to the handler.
type Context struct {
	MessageContextBase

	ConsumerKey string
	Envelope    *envelope.Envelope

	defaults         QueryDefaults
	paginationResult json.RawMessage
}

// NewContext binds an envelope to its delivery headers.
func NewContext(consumerKey string, env *envelope.Envelope, md metadatapkg.Metadata, logger loggingpkg.ServiceLogger, defaults QueryDefaults) *Context {
	if md == nil {
		md = metadatapkg.Metadata{}
	}
	return &Context{
		MessageContextBase: MessageContextBase{Metadata: md, Logger: logger},
		ConsumerKey:        consumerKey,
		Envelope:           env,
		defaults:           defaults,
	}
}

func (c *Context) Resource() string         { return c.Envelope.Resource }
func (c *Context) Handler() string          { return c.Envelope.Handler }
func (c *Context) Payload() json.RawMessage { return c.Envelope.Payload }

// ReplyTo returns the reply address the sender asked for, if any.
func (c *Context) ReplyTo() string {
	if c.Envelope.ReplyTo != "" {
		return c.Envelope.ReplyTo
	}
	return c.Metadata[metadatapkg.KeyReplyTo]
}

// CorrelationID returns the RPC correlation token, if any.
func (c *Context) CorrelationID() string {
	if c.Envelope.CorrelationID != "" {
		return c.Envelope.CorrelationID
	}
	return c.Metadata[metadatapkg.KeyCorrelationID]
}

// Bind decodes the payload into v and validates struct tags. Failures match
// ErrValidation.
func (c *Context) Bind(v any) error {
	if !jsoncodec.IsNull(c.Envelope.Payload) {
		if err := jsoncodec.Unmarshal(c.Envelope.Payload, v); err != nil {
			return errors.Join(errspkg.ErrValidation, fmt.Errorf("decode payload: %w", err))
		}
	}
	return validation.Default.Struct(v)
}

// Filtering interprets the envelope filters against the allowed set.
func (c *Context) Filtering(allowed query.AllowedFilters) (*query.Filtering, error) {
	f, err := query.ParseFiltering(c.Envelope.Filtering, allowed)
	if err != nil {
		return nil, errors.Join(errspkg.ErrValidation, err)
	}
	return f, nil
}

// Ordering interprets the envelope ordering against the allowed fields.
func (c *Context) Ordering(allowed []string) query.Ordering {
	return query.ParseOrdering(c.Envelope.Ordering, allowed)
}

// Pagination resolves the requested page and records its navigation data
// for the reply.
func (c *Context) Pagination() (query.Pagination, error) {
	p, err := query.ParsePagination(c.Envelope.Pagination, c.defaults.ItemsPerPage, c.defaults.MaxItemsPerPage)
	if err != nil {
		return query.Pagination{}, errors.Join(errspkg.ErrValidation, err)
	}
	if err := c.SetPaginationResult(p.Result()); err != nil {
		return query.Pagination{}, err
	}
	return p, nil
}

// SetPaginationResult overrides the pagination object sent with the reply.
func (c *Context) SetPaginationResult(v any) error {
	raw, err := jsoncodec.Raw(v)
	if err != nil {
		return err
	}
	c.paginationResult = raw
	return nil
}

// PaginationResult is nil unless the handler paginated.
func (c *Context) PaginationResult() json.RawMessage {
	return c.paginationResult
}
