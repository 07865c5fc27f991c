package yourmaster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultTopThreshold    = 100
	DefaultBottomThreshold = 50
	DefaultScrollDebounce  = 300 * time.Millisecond
)

// PageFetcher loads one page of history, newest page first (page 0).
type PageFetcher func(ctx context.Context, page, size int) (*MessagePage, error)

// PagerOptions configures a Pager.
type PagerOptions struct {
	PageSize int
	// TopThreshold is the distance from the top of the content, in the
	// view's units, under which older history is requested.
	TopThreshold float64
	// BottomThreshold is the distance from the end of the content under
	// which the view counts as following the newest message.
	BottomThreshold float64
	Debounce        time.Duration
	Logger          *slog.Logger
	Clock           clockwork.Clock
}

func (o *PagerOptions) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.TopThreshold == 0 {
		o.TopThreshold = DefaultTopThreshold
	}
	if o.BottomThreshold == 0 {
		o.BottomThreshold = DefaultBottomThreshold
	}
	if o.Debounce == 0 {
		o.Debounce = DefaultScrollDebounce
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// ScrollMetrics describes the list viewport at a scroll event.
type ScrollMetrics struct {
	Offset         float64 // distance scrolled from the top
	ViewportHeight float64
	ContentHeight  float64
}

// ScrollAction is what the view should do when the log changes.
type ScrollAction int

const (
	// ScrollToNewest keeps the newest message in view.
	ScrollToNewest ScrollAction = iota
	// PreservePosition keeps the user's reading position.
	PreservePosition
)

func (a ScrollAction) String() string {
	if a == ScrollToNewest {
		return "scroll-to-newest"
	}
	return "preserve-position"
}

// Pager walks a chat's history backwards one page at a time, merging each
// page into a Conversation.
type Pager struct {
	conv   *Conversation
	fetch  PageFetcher
	opts   PagerOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	loading     bool
	initialized bool
	current     int
	totalPages  int
	last        bool
	nearBottom  bool
	debounce    clockwork.Timer
	closed      bool
}

// NewPager creates a pager for conv. Nothing is fetched until LoadInitial
// or LoadOlderPage.
func NewPager(conv *Conversation, fetch PageFetcher, opts *PagerOptions) *Pager {
	var o PagerOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pager{
		conv:       conv,
		fetch:      fetch,
		opts:       o,
		logger:     o.Logger.With("chat_id", conv.ChatID()),
		ctx:        ctx,
		cancel:     cancel,
		current:    -1,
		nearBottom: true,
	}
}

// HasMore reports whether older pages remain.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMoreLocked()
}

func (p *Pager) hasMoreLocked() bool {
	if !p.initialized {
		return true
	}
	return !p.last && p.current+1 < p.totalPages
}

// Loading reports whether a page request is in flight.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Cursor returns the index of the last loaded page (-1 before the first
// load) and the total page count last reported by the server.
func (p *Pager) Cursor() (current, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.totalPages
}

// LoadInitial fetches the newest page.
func (p *Pager) LoadInitial(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChatNotOpen
	}
	if p.loading {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	p.mu.Unlock()

	_, err := p.load(ctx, 0)
	return err
}

// LoadOlderPage fetches the page after the cursor. It is a no-op returning
// false when a load is already in flight or the history is exhausted.
func (p *Pager) LoadOlderPage(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrChatNotOpen
	}
	if p.loading || !p.hasMoreLocked() {
		p.mu.Unlock()
		return false, nil
	}
	p.loading = true
	page := p.current + 1
	p.mu.Unlock()

	return p.load(ctx, page)
}

// load runs with p.loading set and clears it when done.
func (p *Pager) load(ctx context.Context, page int) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	p.logger.Debug("loading page", "page", page, "size", p.opts.PageSize)
	result, err := p.fetch(ctx, page, p.opts.PageSize)

	p.mu.Lock()
	if p.closed {
		p.loading = false
		p.mu.Unlock()
		p.logger.Debug("discarding page for closed chat", "page", page)
		return false, ErrChatNotOpen
	}
	if err != nil {
		p.loading = false
		p.mu.Unlock()
		return false, fmt.Errorf("load page %d: %w", page, err)
	}
	p.mu.Unlock()

	added := p.conv.ApplyBackfill(result.Messages)

	p.mu.Lock()
	if !p.initialized || page > p.current {
		p.current = page
	}
	p.initialized = true
	p.totalPages = result.TotalPages
	p.last = result.Last
	p.loading = false
	p.mu.Unlock()

	p.logger.Debug("page loaded", "page", page, "total_pages", result.TotalPages, "added", added)
	return true, nil
}

// OnScroll records a scroll event. Near the top it schedules a debounced
// LoadOlderPage; every call re-arms the debounce window.
func (p *Pager) OnScroll(m ScrollMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	fromBottom := m.ContentHeight - (m.Offset + m.ViewportHeight)
	p.nearBottom = fromBottom <= p.opts.BottomThreshold

	if m.Offset > p.opts.TopThreshold || !p.hasMoreLocked() {
		return
	}
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = p.opts.Clock.AfterFunc(p.opts.Debounce, func() {
		if _, err := p.LoadOlderPage(p.ctx); err != nil && p.ctx.Err() == nil {
			p.logger.Warn("load older page failed", "error", err)
		}
	})
}

// NearBottom reports whether the last scroll event left the view at the end
// of the content.
func (p *Pager) NearBottom() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nearBottom
}

// ScrollAction tells the view how to react to a new message: follow it when
// the user is at the bottom, otherwise leave the reading position alone.
func (p *Pager) ScrollAction() ScrollAction {
	if p.NearBottom() {
		return ScrollToNewest
	}
	return PreservePosition
}

// Close cancels in-flight loads and pending debounced triggers. Responses
// that arrive afterwards are discarded.
func (p *Pager) Close() {
	p.mu.Lock()
	p.closed = true
	if p.debounce != nil {
		p.debounce.Stop()
		p.debounce = nil
	}
	p.mu.Unlock()
	p.cancel()
}
