// Package stream maintains, for one chat channel, a consistent, deduplicated,
// chronologically ordered view of messages. It merges a cursor-paginated
// history, a live tail subscription and optimistic local echoes of sends that
// the store has not confirmed yet.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chatstream/pkg/filter"
	"chatstream/pkg/live"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/store"
	"chatstream/pkg/utils"
)

var (
	// ErrRejectedInput marks empty or profane message text. Rejection is
	// synchronous: no echo is created and no store write is attempted.
	ErrRejectedInput = errors.New("message text rejected")
	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("stream closed")
)

// Store is the slice of the message store the stream consumes.
type Store interface {
	FetchLastN(channelID string, n int) ([]store.Stored, error)
	FetchNBefore(channelID, cursor string, n int) ([]store.Stored, error)
	AppendMessage(channelID string, msg models.Message) (store.Stored, error)
	UpdateMessageText(id, newText string) (store.Stored, error)
	RemoveMessage(channelID, id string) (store.Stored, error)
}

// Subscription is a cancellable live event feed.
type Subscription interface {
	Events() <-chan live.Event
	Close()
}

// Source provides live change subscriptions per channel.
type Source interface {
	Subscribe(channelID, afterCursor string) Subscription
}

// Identity is the sender attribution stamped onto outgoing messages,
// captured once at stream construction.
type Identity struct {
	ID       string
	Name     string
	PhotoURL string
}

// Options configures a Stream.
type Options struct {
	Store  Store
	Source Source
	// Filter rejects profane text. Nil disables filtering.
	Filter filter.Func
	Sender Identity
	// PageSize is the history fetch size; defaults to 20.
	PageSize int
	// ReplySnippetLen bounds reply previews in runes; defaults to 120.
	ReplySnippetLen int
	// OnChange is invoked after every state change, outside the internal
	// lock, so a UI layer can re-render. May be nil.
	OnChange func()
}

// View is the render-ready snapshot the UI binds to.
type View struct {
	Messages         []models.Message
	HasMoreHistory   bool
	IsLoadingInitial bool
	IsFetchingOlder  bool
	// Err is the last transient fetch error, cleared by the next success.
	Err error
}

// Stream is a live, ordered, deduplicated message view for one channel.
// One instance owns its channel's merge state exclusively.
type Stream struct {
	channelID string
	st        Store
	filter    filter.Func
	sender    Identity
	pageSize  int
	snippet   int
	onChange  func()

	mu        sync.Mutex
	confirmed []store.Stored // ascending by cursor, unique by message ID
	byID      map[string]int // message ID -> index into confirmed
	pending   []models.Message
	hasMore   bool
	loading   bool
	fetching  bool
	lastErr   error
	closed    bool

	sub Subscription
	wg  sync.WaitGroup
}

// Open fetches the channel's most recent page and starts the live tail.
// The subscription is registered before the initial fetch so nothing can
// fall between the fetched history and the live seam; any overlap the two
// sources produce collapses in reconciliation (dedup by ID).
func Open(ctx context.Context, channelID string, opts Options) (*Stream, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, fmt.Errorf("empty channel id")
	}
	if opts.Store == nil || opts.Source == nil {
		return nil, fmt.Errorf("stream requires a store and a source")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.ReplySnippetLen <= 0 {
		opts.ReplySnippetLen = 120
	}
	s := &Stream{
		channelID: channelID,
		st:        opts.Store,
		filter:    opts.Filter,
		sender:    opts.Sender,
		pageSize:  opts.PageSize,
		snippet:   opts.ReplySnippetLen,
		onChange:  opts.OnChange,
		byID:      make(map[string]int),
		loading:   true,
	}

	s.sub = opts.Source.Subscribe(channelID, "")

	page, err := s.st.FetchLastN(channelID, s.pageSize)
	if err != nil {
		s.sub.Close()
		return nil, fmt.Errorf("initial fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.sub.Close()
		return nil, err
	}

	s.mu.Lock()
	for _, rec := range page {
		s.upsertLocked(rec)
	}
	s.hasMore = len(page) == s.pageSize
	s.loading = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	logger.Debug("stream_opened", "channel", channelID, "history", len(page))
	return s, nil
}

// run consumes live events until the subscription closes.
func (s *Stream) run() {
	defer s.wg.Done()
	for ev := range s.sub.Events() {
		s.apply(ev)
	}
}

// apply folds one subscription event into the confirmed set. Applying the
// same event twice leaves the view unchanged.
func (s *Stream) apply(ev live.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch ev.Type {
	case live.EventInserted:
		s.upsertLocked(store.Stored{Msg: ev.Msg, Cursor: ev.Cursor})
	case live.EventModified:
		// only touch records inside the loaded window; an edit to history
		// beyond the oldest fetched page must not teleport into view
		if i, ok := s.byID[ev.Msg.ID]; ok {
			cur := s.confirmed[i].Cursor
			s.confirmed[i] = store.Stored{Msg: ev.Msg, Cursor: cur}
		}
	case live.EventRemoved:
		s.removeLocked(ev.Msg.ID)
	}
	s.reconcileLocked()
	s.mu.Unlock()
	s.changed()
}

// upsertLocked inserts a confirmed record in cursor order, or replaces the
// existing record with the same ID.
func (s *Stream) upsertLocked(rec store.Stored) {
	if i, ok := s.byID[rec.Msg.ID]; ok {
		s.confirmed[i] = rec
		return
	}
	i := sort.Search(len(s.confirmed), func(i int) bool {
		return s.confirmed[i].Cursor > rec.Cursor
	})
	s.confirmed = append(s.confirmed, store.Stored{})
	copy(s.confirmed[i+1:], s.confirmed[i:])
	s.confirmed[i] = rec
	s.reindexLocked(i)
}

func (s *Stream) removeLocked(id string) {
	i, ok := s.byID[id]
	if !ok {
		return
	}
	s.confirmed = append(s.confirmed[:i], s.confirmed[i+1:]...)
	delete(s.byID, id)
	s.reindexLocked(i)
}

func (s *Stream) reindexLocked(from int) {
	for i := from; i < len(s.confirmed); i++ {
		s.byID[s.confirmed[i].Msg.ID] = i
	}
}

// reconcileLocked drops pending echoes whose ID the store has confirmed, so
// a just-confirmed optimistic send collapses to a single rendered entry.
func (s *Stream) reconcileLocked() {
	kept := s.pending[:0]
	for _, p := range s.pending {
		if _, ok := s.byID[p.ID]; !ok {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

// Snapshot returns the current ordered view: confirmed messages merged with
// still-pending echoes, ascending by effective timestamp. Pending messages
// order by their local placeholder time until the server time replaces it.
func (s *Stream) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]models.Message, 0, len(s.confirmed)+len(s.pending))
	for _, rec := range s.confirmed {
		msgs = append(msgs, rec.Msg)
	}
	msgs = append(msgs, s.pending...)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedTS < msgs[j].CreatedTS
	})
	return View{
		Messages:         msgs,
		HasMoreHistory:   s.hasMore,
		IsLoadingInitial: s.loading,
		IsFetchingOlder:  s.fetching,
		Err:              s.lastErr,
	}
}

// FetchOlder loads the page strictly preceding the oldest known message.
// Calls while a fetch is in flight are ignored, not queued. A fetch error
// leaves HasMoreHistory unchanged so the same page can be retried.
func (s *Stream) FetchOlder() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.fetching || !s.hasMore || len(s.confirmed) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.fetching = true
	oldest := s.confirmed[0].Cursor
	s.mu.Unlock()
	s.changed()

	page, err := s.st.FetchNBefore(s.channelID, oldest, s.pageSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.fetching = false
	if err != nil {
		s.lastErr = fmt.Errorf("fetch older: %w", err)
		s.mu.Unlock()
		s.changed()
		return err
	}
	s.lastErr = nil
	for _, rec := range page {
		s.upsertLocked(rec)
	}
	if len(page) < s.pageSize {
		s.hasMore = false
	}
	s.reconcileLocked()
	s.mu.Unlock()
	s.changed()
	return nil
}

// Send validates text, shows an optimistic echo immediately and writes to
// the store asynchronously under the same client-assigned ID. The returned
// message is the echo; the live subscription delivers the confirmed record.
func (s *Stream) Send(text string, replyTo *models.Message) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, fmt.Errorf("%w: empty text", ErrRejectedInput)
	}
	if s.filter != nil && s.filter(text) {
		return models.Message{}, fmt.Errorf("%w: disallowed content", ErrRejectedInput)
	}

	msg := models.Message{
		ID:             utils.GenMsgID(),
		Channel:        s.channelID,
		Text:           text,
		SenderID:       s.sender.ID,
		SenderName:     s.sender.Name,
		SenderPhotoURL: s.sender.PhotoURL,
		// local placeholder ordering key, replaced by server time on confirm
		CreatedTS: time.Now().UTC().UnixNano(),
		Status:    models.StatusSending,
	}
	if replyTo != nil {
		msg.ReplyToID = replyTo.ID
		msg.ReplyToSnippet = utils.Snippet(replyTo.Text, s.snippet)
		msg.ReplyToSenderName = replyTo.SenderName
		msg.ReplyToSenderID = replyTo.SenderID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	s.changed()

	s.wg.Add(1)
	go s.write(msg)
	return msg, nil
}

// write performs the store append for one echo. On failure the echo stays
// visible with status=error until retried or dismissed; it is never
// silently dropped.
func (s *Stream) write(msg models.Message) {
	defer s.wg.Done()
	if _, err := s.st.AppendMessage(s.channelID, msg); err != nil {
		logger.Warn("send_failed", "channel", s.channelID, "msg_id", msg.ID, "error", err)
		s.setPendingStatus(msg.ID, models.StatusError)
		return
	}
	// nothing else to do: the subscription delivers the confirmed record
	// under the same ID and reconciliation hides the echo
}

func (s *Stream) setPendingStatus(id, status string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := range s.pending {
		if s.pending[i].ID == id {
			s.pending[i].Status = status
			break
		}
	}
	s.mu.Unlock()
	s.changed()
}

// Retry re-attempts the write of a failed send under the same ID.
func (s *Stream) Retry(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var msg models.Message
	found := false
	for i := range s.pending {
		if s.pending[i].ID == id && s.pending[i].Status == models.StatusError {
			s.pending[i].Status = models.StatusSending
			msg = s.pending[i]
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("no failed message %s", id)
	}
	s.changed()
	s.wg.Add(1)
	go s.write(msg)
	return nil
}

// Dismiss drops a failed echo from the view.
func (s *Stream) Dismiss(id string) {
	s.mu.Lock()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if !(p.ID == id && p.Status == models.StatusError) {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	s.mu.Unlock()
	s.changed()
}

// Edit updates a message's text via the store. The view updates when the
// subscription delivers the modified event; edits are rare and user
// initiated, so no optimistic text mutation is kept here.
func (s *Stream) Edit(id, newText string) error {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return fmt.Errorf("%w: empty text", ErrRejectedInput)
	}
	if s.filter != nil && s.filter(newText) {
		return fmt.Errorf("%w: disallowed content", ErrRejectedInput)
	}
	_, err := s.st.UpdateMessageText(id, newText)
	return err
}

// Delete removes a message via the store; the rendered list updates once
// the subscription delivers the removal.
func (s *Stream) Delete(id string) error {
	_, err := s.st.RemoveMessage(s.channelID, id)
	return err
}

// Close releases the live subscription and abandons in-flight work. No
// state changes are observable after Close; safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.sub.Close()
	s.wg.Wait()
	logger.Debug("stream_closed", "channel", s.channelID)
}

func (s *Stream) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
