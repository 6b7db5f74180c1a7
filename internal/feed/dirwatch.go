package feed

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// DefaultDebounce groups the bursts of writes editors and tools produce.
const DefaultDebounce = 250 * time.Millisecond

type DirWatcherOptions struct {
	Logger log.Logger
	// Dir is the OS path of the directory holding {id}.json documents.
	Dir       string
	Content   cms.ContentStore
	Publisher Publisher
	Debounce  time.Duration
}

// DirWatcher publishes an event for document files written under Dir.
type DirWatcher struct {
	dir       string
	content   cms.ContentStore
	publisher Publisher
	logger    log.Logger
	debounce  time.Duration

	// started is closed once the watch is registered
	started chan struct{}
}

func NewDirWatcher(opts DirWatcherOptions) (*DirWatcher, error) {
	if opts.Dir == "" || opts.Content == nil || opts.Publisher == nil {
		return nil, xerrors.New("feed: Dir, Content and Publisher are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &DirWatcher{
		dir:       opts.Dir,
		content:   opts.Content,
		publisher: opts.Publisher,
		logger:    opts.Logger.With("component", "feed.dirwatch", "dir", opts.Dir),
		debounce:  opts.Debounce,
		started:   make(chan struct{}),
	}, nil
}

// Run watches until ctx is cancelled.
func (d *DirWatcher) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(err, "create fsnotify watcher")
	}
	defer w.Close()

	if err := w.Add(d.dir); err != nil {
		return xerrors.Wrapf(err, "watch %s", d.dir)
	}
	close(d.started)
	d.logger.Info(ctx, "content directory watcher started")

	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			id, ok := documentID(ev)
			if !ok {
				continue
			}
			pending[id] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(d.debounce)
			} else {
				timer.Reset(d.debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn(ctx, "content directory watch error", "error", err.Error())

		case <-fire:
			d.flush(ctx, pending)
			pending = make(map[string]struct{})
			fire = nil
		}
	}
}

func (d *DirWatcher) flush(ctx context.Context, pending map[string]struct{}) {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ev := cms.PublishEvent{PublishedAt: time.Now().UTC(), Source: "dirwatch"}
	for _, id := range ids {
		e, err := d.content.GetEntity(ctx, id)
		if err != nil {
			d.logger.Warn(ctx, "changed document could not be read", "entity_id", id, "error", err.Error())
			continue
		}
		ev.Entities = append(ev.Entities, cms.PublishedEntity{ID: e.ID, Type: e.Type})
	}
	if len(ev.Entities) == 0 {
		return
	}
	n := d.publisher.Publish(ctx, ev)
	d.logger.Info(ctx, "content directory change published", "entities", len(ev.Entities), "subscribers", n)
}

// documentID maps a create/write/rename-into event on {id}.json to id.
func documentID(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return "", false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".json")
	return id, id != ""
}
