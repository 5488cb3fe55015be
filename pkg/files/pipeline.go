package files

import (
	"github.com/rs/zerolog"

	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/settings"
	"github.com/kapowarr/kapowarr/pkg/store"
)

// Pipeline ties the file-handling phases (scan, import, convert, rename,
// cleanup) to the relational store and the event bus. Any phase can be
// invoked standalone.
type Pipeline struct {
	store      *store.Store
	settings   *settings.Service
	events     *events.Broker
	converters *ConverterRegistry
	logger     zerolog.Logger
}

// NewPipeline creates the file pipeline.
func NewPipeline(st *store.Store, sv *settings.Service, eb *events.Broker) (*Pipeline, error) {
	registry, err := NewConverterRegistry()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		store:      st,
		settings:   sv,
		events:     eb,
		converters: registry,
		logger:     log.WithComponent("files"),
	}, nil
}

// Store exposes the relational store backing the pipeline.
func (p *Pipeline) Store() *store.Store {
	return p.store
}

// Converters exposes the conversion registry.
func (p *Pipeline) Converters() *ConverterRegistry {
	return p.converters
}
