package engine

import "slices"

// Filter decides whether a (project, test) pair is executed.
// Implementations must be pure: the same inputs always give the same answer.
type Filter interface {
	Allow(project *ProjectConfig, meta TestMetadata) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(project *ProjectConfig, meta TestMetadata) bool

// Allow calls f.
func (f FilterFunc) Allow(project *ProjectConfig, meta TestMetadata) bool {
	return f(project, meta)
}

// ProjectFilter keeps pairs whose project is one of Names. An empty set keeps everything.
type ProjectFilter struct {
	Names []string
}

// Allow implements Filter.
func (f ProjectFilter) Allow(project *ProjectConfig, _ TestMetadata) bool {
	return len(f.Names) == 0 || slices.Contains(f.Names, project.Name)
}

// ModuleFilter keeps pairs whose module is one of Names. An empty set keeps everything.
type ModuleFilter struct {
	Names []string
}

// Allow implements Filter.
func (f ModuleFilter) Allow(_ *ProjectConfig, meta TestMetadata) bool {
	return len(f.Names) == 0 || slices.Contains(f.Names, meta.Module)
}

// TestNameFilter keeps pairs whose full name ("module::name") is one of Names.
// An empty set keeps everything.
type TestNameFilter struct {
	Names []string
}

// Allow implements Filter.
func (f TestNameFilter) Allow(_ *ProjectConfig, meta TestMetadata) bool {
	return len(f.Names) == 0 || slices.Contains(f.Names, meta.FullName())
}

// TestIgnoreFilter rejects pairs listed in the project's own test_ignore list.
type TestIgnoreFilter struct{}

// Allow implements Filter.
func (TestIgnoreFilter) Allow(project *ProjectConfig, meta TestMetadata) bool {
	return !slices.Contains(project.TestIgnore, meta.FullName())
}

// Chain is a conjunction of filters.
type Chain []Filter

// NewChain builds a chain, skipping nil filters.
func NewChain(filters ...Filter) Chain {
	chain := make(Chain, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			chain = append(chain, f)
		}
	}
	return chain
}

// Allow returns true only if every filter in the chain allows the pair.
func (c Chain) Allow(project *ProjectConfig, meta TestMetadata) bool {
	for _, f := range c {
		if !f.Allow(project, meta) {
			return false
		}
	}
	return true
}
