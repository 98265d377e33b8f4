package snapshot

import "time"

// Builder assembles a Snapshot. The zero value is not usable; call NewBuilder.
type Builder struct {
	s Snapshot
}

// NewBuilder starts a snapshot stamped with the current version and time.
func NewBuilder() *Builder {
	return &Builder{s: New(time.Now())}
}

func (b *Builder) Timestamp(ms uint64) *Builder {
	b.s.TimestampMs = ms
	return b
}

func (b *Builder) Version(v SchemaVersion) *Builder {
	b.s.Version = v
	return b
}

// Module adds (or extends) module name using fn.
func (b *Builder) Module(name string, fn func(m *ModuleBuilder)) *Builder {
	m, ok := b.s.Modules[name]
	if !ok {
		m = NewModuleMetrics()
	}
	if fn != nil {
		fn(&ModuleBuilder{m: m})
	}
	b.s.Modules[name] = m
	return b
}

func (b *Builder) Build() Snapshot { return b.s }

// ModuleBuilder adds topics to one module of a Builder.
type ModuleBuilder struct {
	m ModuleMetrics
}

func (mb *ModuleBuilder) Read(topic string, r ReadMetrics) *ModuleBuilder {
	mb.m.Reads[topic] = r
	return mb
}

func (mb *ModuleBuilder) Write(topic string, w WriteMetrics) *ModuleBuilder {
	mb.m.Writes[topic] = w
	return mb
}
