package api

import "sync"

// SlideInfo contains information about a slide for the API response.
type SlideInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ResourceID int64  `json:"resource_id"`
}

// SlideRegistry maps configured slide ids to the viewer's resource ids.
type SlideRegistry struct {
	mu           sync.RWMutex
	resources    map[string]int64
	defaultSlide string
	slideOrder   []string
	title        string
}

// NewSlideRegistry creates a new slide registry.
func NewSlideRegistry(defaultSlide string, order []string, title string) *SlideRegistry {
	return &SlideRegistry{
		resources:    make(map[string]int64),
		defaultSlide: defaultSlide,
		slideOrder:   order,
		title:        title,
	}
}

// Register binds a slide id to an opened image.
func (r *SlideRegistry) Register(slideID string, resourceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[slideID] = resourceID
}

// Unregister removes a slide, e.g. after it was unloaded.
func (r *SlideRegistry) Unregister(slideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, slideID)
}

// Lookup returns the resource id of a slide.
func (r *SlideRegistry) Lookup(slideID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.resources[slideID]
	return id, ok
}

// DefaultSlideID returns the default slide ID.
func (r *SlideRegistry) DefaultSlideID() string {
	return r.defaultSlide
}

// SlideIDs returns all slide IDs in config order.
func (r *SlideRegistry) SlideIDs() []string {
	return r.slideOrder
}

// Title returns the configured site title.
func (r *SlideRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Slide Tiles"
}

// Slides returns info for all registered slides in config order. Slides
// that failed to open are left out.
func (r *SlideRegistry) Slides() []SlideInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]SlideInfo, 0, len(r.slideOrder))
	for _, id := range r.slideOrder {
		rid, ok := r.resources[id]
		if !ok {
			continue
		}
		infos = append(infos, SlideInfo{
			ID:         id,
			Name:       id,
			ResourceID: rid,
		})
	}
	return infos
}
